package inference

import (
	"slices"

	"github.com/samcharles93/streamdecode/internal/decode"
)

// RequestOptions are caller overrides. A nil field keeps the default.
type RequestOptions struct {
	MaxNewTokens       *int
	StreamingChunkSize *int
	PadTokenID         *int
	EOSTokenIDs        []int

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
}

// GenDefaults are model- or deployment-level defaults that sit between the
// built-in values and RequestOptions.
type GenDefaults struct {
	MaxNewTokens      *int
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
}

// ResolveConfig layers opts over defaults over the built-in values. Token
// ids are left for ResolveTokenIDs when unset.
func ResolveConfig(opts RequestOptions, defaults GenDefaults) decode.Config {
	cfg := decode.Config{
		MaxNewTokens:       decode.DefaultMaxNewTokens,
		StreamingChunkSize: decode.DefaultStreamingChunkSize,
		Temperature:        0,
		TopK:               40,
		TopP:               0.95,
		MinP:               0.0,
		RepeatPenalty:      1.0,
		RepeatLastN:        64,
	}

	if defaults.MaxNewTokens != nil && *defaults.MaxNewTokens > 0 {
		cfg.MaxNewTokens = *defaults.MaxNewTokens
	}
	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		cfg.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		cfg.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		cfg.RepeatPenalty = *defaults.RepetitionPenalty
	}

	if opts.MaxNewTokens != nil {
		cfg.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.StreamingChunkSize != nil {
		cfg.StreamingChunkSize = *opts.StreamingChunkSize
	}
	if opts.PadTokenID != nil {
		cfg.PadTokenID = decode.IntPtr(*opts.PadTokenID)
	}
	if len(opts.EOSTokenIDs) > 0 {
		cfg.EOSTokenIDs = slices.Clone(opts.EOSTokenIDs)
	}
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		cfg.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		cfg.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		cfg.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		cfg.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		cfg.RepeatLastN = *opts.RepeatLastN
	}

	return cfg
}
