package decode

import "context"

// Model is the forward-pass collaborator. Forward returns one logits row per
// batch row for the last position of tokens, plus the updated side state
// (attention cache, position counters). The engine never inspects side state.
// Implementations must not mutate side in place: the previous State may still
// be held by a caller.
type Model interface {
	Forward(ctx context.Context, params any, tokens [][]int, side any) ([][]float32, any, error)
	PrepareSideState(ctx context.Context, batchSize, maxLength int, mask, positions [][]int) (any, error)
}

// Specializer is implemented by models that need an expensive, shape-specific
// preparation (compilation, kernel selection, buffer planning) before a plan
// for that shape can run.
type Specializer interface {
	Specialize(ctx context.Context, shape Shape, maxLength int) error
}

// Selector picks the next token for every row. It must be a pure function of
// its arguments so that identical random keys give identical picks.
type Selector interface {
	Select(logits [][]float32, sequences [][]int, rand RandomState, cfg Config) ([]int, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(logits [][]float32, sequences [][]int, rand RandomState, cfg Config) ([]int, error)

func (f SelectorFunc) Select(logits [][]float32, sequences [][]int, rand RandomState, cfg Config) ([]int, error) {
	return f(logits, sequences, rand, cfg)
}

// Spec bundles what a plan is specialized over besides the shape.
type Spec struct {
	Model    Model
	Params   any
	Selector Selector
	Config   Config
}
