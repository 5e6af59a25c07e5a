package toy

import (
	"strings"

	"github.com/samcharles93/streamdecode/internal/inference"
)

// Special token ids of ByteTokenizer. Ids below 256 are raw bytes.
const (
	BOSTokenID = 256 + iota
	EOSTokenID
	PadTokenID

	// ByteVocab is the vocabulary size a toy model needs to pair with
	// ByteTokenizer.
	ByteVocab
)

// ByteTokenizer maps text to its UTF-8 bytes.
type ByteTokenizer struct{}

func (ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)+1)
	ids = append(ids, BOSTokenID)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return ids, nil
}

// ApplyChatTemplate renders "role: content" lines followed by an open
// assistant turn.
func (t ByteTokenizer) ApplyChatTemplate(messages []inference.Message) ([]int, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	sb.WriteString("assistant: ")
	return t.Encode(sb.String())
}

// Decode drops special tokens and out-of-range ids.
func (ByteTokenizer) Decode(ids []int) (string, error) {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			buf = append(buf, byte(id))
		}
	}
	return string(buf), nil
}

func (ByteTokenizer) EOSTokenID() int { return EOSTokenID }

func (ByteTokenizer) PadTokenID() (int, bool) { return PadTokenID, true }

func (ByteTokenizer) TokenString(id int) string {
	switch id {
	case BOSTokenID:
		return "<s>"
	case EOSTokenID:
		return "</s>"
	case PadTokenID:
		return "<pad>"
	}
	if id >= 0 && id < 256 {
		return string([]byte{byte(id)})
	}
	return ""
}
