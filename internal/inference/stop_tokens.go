package inference

import (
	"slices"
	"strings"

	"github.com/samcharles93/streamdecode/internal/decode"
)

// ResolveTokenIDs fills the stop and pad ids a config leaves unset from the
// tokenizer. The tokenizer may implement any of:
//
//	EOSTokenID() int
//	PadTokenID() (int, bool)
//	TokenString(int) string
//
// A missing pad id falls back to the tokenizer's pad, then to the first stop
// id.
func ResolveTokenIDs(cfg decode.Config, tok any) decode.Config {
	cfg.EOSTokenIDs = slices.Clone(cfg.EOSTokenIDs)
	if len(cfg.EOSTokenIDs) == 0 {
		if t, ok := tok.(interface{ EOSTokenID() int }); ok && t.EOSTokenID() >= 0 {
			cfg.EOSTokenIDs = append(cfg.EOSTokenIDs, t.EOSTokenID())
		}
		// Older vocabularies reserve id 2 for the end-of-sequence marker
		// without declaring it.
		if t, ok := tok.(interface{ TokenString(int) string }); ok && !slices.Contains(cfg.EOSTokenIDs, 2) {
			switch strings.ToLower(strings.TrimSpace(t.TokenString(2))) {
			case "</s>", "<|im_end|>", "<|eot_id|>":
				cfg.EOSTokenIDs = append(cfg.EOSTokenIDs, 2)
			}
		}
	}

	if cfg.PadTokenID == nil {
		if t, ok := tok.(interface{ PadTokenID() (int, bool) }); ok {
			if id, ok := t.PadTokenID(); ok {
				cfg.PadTokenID = decode.IntPtr(id)
			}
		}
	}
	if cfg.PadTokenID == nil && len(cfg.EOSTokenIDs) > 0 {
		cfg.PadTokenID = decode.IntPtr(cfg.EOSTokenIDs[0])
	}
	return cfg
}
