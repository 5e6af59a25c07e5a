package decode

import (
	"fmt"
	"slices"
)

const (
	DefaultStreamingChunkSize = 64
	DefaultMaxNewTokens       = 512
)

// Config is the fixed generation configuration a plan is specialized for.
// Sampling fields are forwarded to the Selector untouched.
type Config struct {
	MaxNewTokens       int
	EOSTokenIDs        []int
	PadTokenID         *int
	StreamingChunkSize int

	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
}

// WithDefaults fills zero-valued sizes.
func (c Config) WithDefaults() Config {
	if c.MaxNewTokens == 0 {
		c.MaxNewTokens = DefaultMaxNewTokens
	}
	if c.StreamingChunkSize == 0 {
		c.StreamingChunkSize = DefaultStreamingChunkSize
	}
	c.EOSTokenIDs = slices.Clone(c.EOSTokenIDs)
	return c
}

// Validate reports precondition violations in the configuration.
func (c Config) Validate() error {
	if c.PadTokenID == nil {
		return fmt.Errorf("%w: pad token id is required", ErrInvalidInput)
	}
	if len(c.EOSTokenIDs) == 0 {
		return fmt.Errorf("%w: at least one eos token id is required", ErrInvalidInput)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("%w: max new tokens must be positive, got %d", ErrInvalidInput, c.MaxNewTokens)
	}
	if c.StreamingChunkSize <= 0 {
		return fmt.Errorf("%w: streaming chunk size must be positive, got %d", ErrInvalidInput, c.StreamingChunkSize)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("%w: top_p must be within [0, 1], got %g", ErrInvalidInput, c.TopP)
	}
	if c.MinP < 0 || c.MinP > 1 {
		return fmt.Errorf("%w: min_p must be within [0, 1], got %g", ErrInvalidInput, c.MinP)
	}
	if c.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative, got %d", ErrInvalidInput, c.TopK)
	}
	if c.RepeatLastN < 0 {
		return fmt.Errorf("%w: repeat_last_n must not be negative, got %d", ErrInvalidInput, c.RepeatLastN)
	}
	return nil
}

// Pad returns the pad token id. Callers must Validate first.
func (c Config) Pad() int {
	return *c.PadTokenID
}

// IsStop reports whether tok ends a row.
func (c Config) IsStop(tok int) bool {
	return slices.Contains(c.EOSTokenIDs, tok)
}

// Chunks is the number of interval iterations needed to exhaust the token
// budget.
func (c Config) Chunks() int {
	return (c.MaxNewTokens + c.StreamingChunkSize - 1) / c.StreamingChunkSize
}

// IntPtr is a small helper for optional config fields.
func IntPtr(v int) *int { return &v }
