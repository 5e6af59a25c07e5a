package decode

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// scriptModel emits script(row, call) as the top logit on the call-th forward
// pass of a request. The call counter lives in side state.
type scriptModel struct {
	vocab  int
	script func(row, call int) int
}

func (m scriptModel) Forward(_ context.Context, _ any, tokens [][]int, side any) ([][]float32, any, error) {
	call := side.(int)
	out := make([][]float32, len(tokens))
	for i := range tokens {
		out[i] = make([]float32, m.vocab)
		out[i][m.script(i, call)] = 1
	}
	return out, call + 1, nil
}

func (scriptModel) PrepareSideState(context.Context, int, int, [][]int, [][]int) (any, error) {
	return 0, nil
}

var argmax = SelectorFunc(func(logits [][]float32, _ [][]int, _ RandomState, _ Config) ([]int, error) {
	out := make([]int, len(logits))
	for i, row := range logits {
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
})

func testSpec(m Model, maxNew int) Spec {
	return Spec{
		Model:    m,
		Selector: argmax,
		Config: Config{
			MaxNewTokens:       maxNew,
			EOSTokenIDs:        []int{7},
			PadTokenID:         IntPtr(0),
			StreamingChunkSize: 1,
		},
	}
}

func TestPrimeRunsOneStepForMultiTokenPrompt(t *testing.T) {
	t.Parallel()

	spec := testSpec(scriptModel{vocab: 10, script: func(_, call int) int { return 3 + call }}, 4)
	st, defaults, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{5, 9, 2}}}, NewRandomState(1))
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if !defaults.Mask || !defaults.Positions {
		t.Fatalf("expected defaults to be reported, got %+v", defaults)
	}
	if st.CurrentLength != 4 || st.GeneratedTokens != 1 {
		t.Fatalf("length/generated = %d/%d, want 4/1", st.CurrentLength, st.GeneratedTokens)
	}
	want := []int{5, 9, 2, 3, 0, 0, 0}
	if !reflect.DeepEqual(st.Sequences[0], want) {
		t.Fatalf("sequences = %v, want %v", st.Sequences[0], want)
	}
	if !reflect.DeepEqual(st.RunningToken, [][]int{{3}}) {
		t.Fatalf("running token = %v", st.RunningToken)
	}
}

func TestPrimeSingleTokenPromptDoesNotStep(t *testing.T) {
	t.Parallel()

	spec := testSpec(scriptModel{vocab: 10, script: func(_, _ int) int { return 3 }}, 2)
	st, _, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{4}}}, NewRandomState(1))
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if st.CurrentLength != 1 || st.GeneratedTokens != 0 {
		t.Fatalf("length/generated = %d/%d, want 1/0", st.CurrentLength, st.GeneratedTokens)
	}
	if len(st.RunningToken[0]) != 1 {
		t.Fatalf("running token = %v", st.RunningToken)
	}
}

func TestPrimeRejectsBadInputs(t *testing.T) {
	t.Parallel()

	spec := testSpec(scriptModel{vocab: 10, script: func(_, _ int) int { return 3 }}, 2)
	cases := map[string]Inputs{
		"empty batch":   {},
		"empty prompt":  {InputIDs: [][]int{{}}},
		"ragged":        {InputIDs: [][]int{{1, 2}, {1}}},
		"mask rows":     {InputIDs: [][]int{{1, 2}}, Mask: [][]int{{1, 1}, {1, 1}}},
		"position cols": {InputIDs: [][]int{{1, 2}}, Positions: [][]int{{0}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Prime(context.Background(), spec, in, NewRandomState(1))
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestStepForcesPadOnFinishedRows(t *testing.T) {
	t.Parallel()

	// Row 0 stops on the first call, row 1 never stops.
	m := scriptModel{vocab: 10, script: func(row, call int) int {
		if row == 0 && call == 0 {
			return 7
		}
		return 4
	}}
	spec := testSpec(m, 5)
	st, _, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{1, 1}, {2, 2}}}, NewRandomState(1))
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if !st.Finished[0] || st.Finished[1] {
		t.Fatalf("finished = %v", st.Finished)
	}
	prev := st
	for range 3 {
		st, err = Step(context.Background(), spec, st)
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if st.Sequences[0][st.CurrentLength-1] != 0 {
			t.Fatalf("finished row emitted %d", st.Sequences[0][st.CurrentLength-1])
		}
		if !st.Finished[0] {
			t.Fatalf("finished flag flipped back")
		}
	}
	// The earlier state must not observe later writes.
	if prev.CurrentLength != 3 || prev.Sequences[1][3] != 0 {
		t.Fatalf("previous state was mutated: %+v", prev.Sequences)
	}
	if got := st.Generated(1); !reflect.DeepEqual(got, []int{4, 4, 4, 4}) {
		t.Fatalf("Generated(1) = %v", got)
	}
}

func TestStepCapacity(t *testing.T) {
	t.Parallel()

	spec := testSpec(scriptModel{vocab: 10, script: func(_, _ int) int { return 3 }}, 1)
	st, _, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{1, 2}}}, NewRandomState(1))
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if !st.Exhausted() {
		t.Fatalf("expected exhausted state, got length %d of %d", st.CurrentLength, st.MaxLength)
	}
	if _, err := Step(context.Background(), spec, st); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestIntervalStopsAtBudgetOrFinish(t *testing.T) {
	t.Parallel()

	m := scriptModel{vocab: 10, script: func(_, call int) int {
		if call == 4 {
			return 7
		}
		return 2
	}}
	spec := testSpec(m, 10)
	st, _, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{1, 1}}}, NewRandomState(3))
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	st, err = Interval(context.Background(), spec, st, 2)
	if err != nil {
		t.Fatalf("Interval() error = %v", err)
	}
	if st.GeneratedTokens != 3 {
		t.Fatalf("generated = %d, want 3", st.GeneratedTokens)
	}
	st, err = Interval(context.Background(), spec, st, 100)
	if err != nil {
		t.Fatalf("Interval() error = %v", err)
	}
	if !st.AllFinished() || st.GeneratedTokens != 5 {
		t.Fatalf("finished=%v generated=%d, want true/5", st.Finished, st.GeneratedTokens)
	}
}

type panicModel struct{ scriptModel }

func (panicModel) Forward(context.Context, any, [][]int, any) ([][]float32, any, error) {
	panic("boom")
}

func TestStepConvertsForwardPanicToError(t *testing.T) {
	t.Parallel()

	spec := testSpec(panicModel{}, 2)
	_, _, err := Prime(context.Background(), spec, Inputs{InputIDs: [][]int{{1, 2}}}, NewRandomState(1))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "panic in Forward: boom" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRandomStateSplitIsDeterministic(t *testing.T) {
	t.Parallel()

	a1, b1 := NewRandomState(42).Split()
	a2, b2 := NewRandomState(42).Split()
	if a1 != a2 || b1 != b2 {
		t.Fatal("split is not deterministic")
	}
	if a1 == b1 {
		t.Fatal("split produced identical keys")
	}
	if f := b1.Float64(); f < 0 || f >= 1 {
		t.Fatalf("Float64() = %v out of range", f)
	}
}

func TestLeftPad(t *testing.T) {
	t.Parallel()

	in, err := LeftPad([][]int{{5, 6, 7}, {8}}, 0)
	if err != nil {
		t.Fatalf("LeftPad() error = %v", err)
	}
	want := Inputs{
		InputIDs:  [][]int{{5, 6, 7}, {0, 0, 8}},
		Mask:      [][]int{{1, 1, 1}, {0, 0, 1}},
		Positions: [][]int{{0, 1, 2}, {0, 0, 0}},
	}
	if !reflect.DeepEqual(in, want) {
		t.Fatalf("LeftPad() = %+v, want %+v", in, want)
	}
	if _, d, err := in.Normalize(); err != nil || d.Any() {
		t.Fatalf("padded inputs should need no defaults: %+v, %v", d, err)
	}
	if _, err := LeftPad([][]int{{1}, {}}, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
