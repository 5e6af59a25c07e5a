package inference

import (
	"errors"
	"fmt"
)

// ErrNoTokenizer is returned by the text helpers of an engine built without
// a Tokenizer.
var ErrNoTokenizer = errors.New("no tokenizer configured")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tokenizer turns text into token ids. It is only needed for the counting
// helpers and the HTTP surface; the decode loop works on ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	ApplyChatTemplate(messages []Message) ([]int, error)
}

// CountTokens returns the number of tokens text encodes to.
func (e *Engine) CountTokens(text string) (int, error) {
	if e.tok == nil {
		return 0, fmt.Errorf("engine %s: %w", e.id, ErrNoTokenizer)
	}
	ids, err := safeEncode(e.tok, text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountChatTokens returns the number of tokens the rendered conversation
// encodes to.
func (e *Engine) CountChatTokens(messages []Message) (int, error) {
	if e.tok == nil {
		return 0, fmt.Errorf("engine %s: %w", e.id, ErrNoTokenizer)
	}
	ids, err := safeApplyTemplate(e.tok, messages)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Encode exposes the engine tokenizer.
func (e *Engine) Encode(text string) ([]int, error) {
	if e.tok == nil {
		return nil, fmt.Errorf("engine %s: %w", e.id, ErrNoTokenizer)
	}
	return safeEncode(e.tok, text)
}

func safeEncode(tok Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}

func safeApplyTemplate(tok Tokenizer, messages []Message) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ApplyChatTemplate: %v", rec)
		}
	}()
	return tok.ApplyChatTemplate(messages)
}

// EncodeChat renders and encodes a conversation with the engine tokenizer.
func (e *Engine) EncodeChat(messages []Message) ([]int, error) {
	if e.tok == nil {
		return nil, fmt.Errorf("engine %s: %w", e.id, ErrNoTokenizer)
	}
	return safeApplyTemplate(e.tok, messages)
}

// Decode turns ids back into text when the tokenizer can.
func (e *Engine) Decode(ids []int) (string, bool, error) {
	d, ok := e.tok.(interface{ Decode([]int) (string, error) })
	if !ok {
		return "", false, nil
	}
	s, err := safeDecode(d, ids)
	return s, true, err
}

func safeDecode(d interface{ Decode([]int) (string, error) }, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return d.Decode(ids)
}
