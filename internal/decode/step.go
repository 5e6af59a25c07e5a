package decode

import (
	"context"
	"fmt"
	"slices"
)

// Step runs one decode iteration and returns the next state. The input state
// is left untouched.
func Step(ctx context.Context, spec Spec, st State) (State, error) {
	batch := st.BatchSize()
	if st.CurrentLength >= st.MaxLength {
		return State{}, fmt.Errorf("%w: current length %d, max length %d", ErrCapacity, st.CurrentLength, st.MaxLength)
	}

	logits, side, err := safeForward(ctx, spec, st)
	if err != nil {
		return State{}, err
	}
	if len(logits) != batch {
		return State{}, fmt.Errorf("%w: model returned %d logits rows for batch %d", ErrShapeMismatch, len(logits), batch)
	}

	next, sub := st.Rand.Split()
	toks, err := safeSelect(spec, logits, history(st), sub)
	if err != nil {
		return State{}, err
	}
	if len(toks) != batch {
		return State{}, fmt.Errorf("%w: selector returned %d tokens for batch %d", ErrShapeMismatch, len(toks), batch)
	}

	pad := spec.Config.Pad()
	out := State{
		CurrentLength:   st.CurrentLength + 1,
		PromptLength:    st.PromptLength,
		MaxLength:       st.MaxLength,
		Sequences:       cloneRows(st.Sequences),
		RunningToken:    make([][]int, batch),
		Finished:        slices.Clone(st.Finished),
		Rand:            next,
		SideState:       side,
		GeneratedTokens: st.GeneratedTokens + 1,
	}
	for i, tok := range toks {
		if st.Finished[i] {
			tok = pad
		}
		out.Finished[i] = out.Finished[i] || spec.Config.IsStop(tok)
		out.Sequences[i][st.CurrentLength] = tok
		out.RunningToken[i] = []int{tok}
	}
	return out, nil
}

// Prime allocates the sequence buffer, prepares model side state and, when
// the prompt has more than one token, runs the first decode step. A
// single-token prompt is returned unstepped; its first token is produced by
// the interval loop.
func Prime(ctx context.Context, spec Spec, in Inputs, rand RandomState) (State, Defaults, error) {
	in, defaults, err := in.Normalize()
	if err != nil {
		return State{}, defaults, err
	}
	shape, _ := in.Shape()
	maxLength := shape.PromptLength + spec.Config.MaxNewTokens
	pad := spec.Config.Pad()

	seqs := make([][]int, shape.BatchSize)
	for i, row := range in.InputIDs {
		seqs[i] = make([]int, maxLength)
		copy(seqs[i], row)
		for j := shape.PromptLength; j < maxLength; j++ {
			seqs[i][j] = pad
		}
	}

	side, err := safePrepare(ctx, spec, shape.BatchSize, maxLength, in.Mask, in.Positions)
	if err != nil {
		return State{}, defaults, err
	}

	st := State{
		CurrentLength: shape.PromptLength,
		PromptLength:  shape.PromptLength,
		MaxLength:     maxLength,
		Sequences:     seqs,
		RunningToken:  in.InputIDs,
		Finished:      make([]bool, shape.BatchSize),
		Rand:          rand,
		SideState:     side,
	}
	if shape.PromptLength > 1 {
		st, err = Step(ctx, spec, st)
		if err != nil {
			return State{}, defaults, err
		}
	}
	return st, defaults, nil
}

// Interval runs Step until every row is finished, the buffer is full, or
// budget steps have been taken.
func Interval(ctx context.Context, spec Spec, st State, budget int) (State, error) {
	for i := 0; i < budget && !st.Done(); i++ {
		var err error
		st, err = Step(ctx, spec, st)
		if err != nil {
			return State{}, err
		}
	}
	return st, nil
}

// history returns read-only views of the committed prefix of every row.
func history(st State) [][]int {
	out := make([][]int, len(st.Sequences))
	for i, row := range st.Sequences {
		out[i] = row[:st.CurrentLength:st.CurrentLength]
	}
	return out
}

func safeForward(ctx context.Context, spec Spec, st State) (logits [][]float32, side any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	logits, side, err = spec.Model.Forward(ctx, spec.Params, st.RunningToken, st.SideState)
	if err != nil {
		return nil, nil, fmt.Errorf("forward at length %d: %w", st.CurrentLength, err)
	}
	return logits, side, nil
}

func safeSelect(spec Spec, logits [][]float32, seqs [][]int, rand RandomState) (toks []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Select: %v", rec)
		}
	}()
	toks, err = spec.Selector.Select(logits, seqs, rand, spec.Config)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return toks, nil
}

func safePrepare(ctx context.Context, spec Spec, batch, maxLength int, mask, positions [][]int) (side any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in PrepareSideState: %v", rec)
		}
	}()
	side, err = spec.Model.PrepareSideState(ctx, batch, maxLength, mask, positions)
	if err != nil {
		return nil, fmt.Errorf("prepare side state: %w", err)
	}
	return side, nil
}
