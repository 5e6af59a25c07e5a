package toy

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logits"
)

func newTestModel(t *testing.T, cfg Config) (*Model, *Weights) {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, NewWeights(cfg.Vocab, cfg.Hidden, 5)
}

// TestProjectMatchesNaive compares the projection against a hand-computed
// reference for a single embedding row.
func TestProjectMatchesNaive(t *testing.T) {
	t.Parallel()

	vocab, hidden := 8, 6
	w := NewWeights(vocab, hidden, 5)
	h := w.embedding(3)
	got := w.project(h)

	for j := range vocab {
		var sum float32
		for i := range hidden {
			sum += h[i] * w.W[i*vocab+j]
		}
		if math.Abs(float64(got[j]-sum-w.Bias[j])) > 1e-4 {
			t.Fatalf("logit mismatch at %d: got %f, want %f", j, got[j], sum)
		}
	}
	if w.NumParams() != int64(2*vocab*hidden+vocab) {
		t.Fatalf("NumParams() = %d", w.NumParams())
	}
}

func TestForwardIsPureAndDeterministic(t *testing.T) {
	t.Parallel()

	m, w := newTestModel(t, Config{Vocab: 16, Hidden: 8})
	side, err := m.PrepareSideState(context.Background(), 2, 8, nil, nil)
	if err != nil {
		t.Fatalf("PrepareSideState() error = %v", err)
	}
	before := side.(*Side).Clone()

	tokens := [][]int{{1, 2, 3}, {4, 5, 6}}
	a, nextA, err := m.Forward(context.Background(), w, tokens, side)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	b, _, err := m.Forward(context.Background(), w, tokens, side)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same inputs produced different logits")
	}
	if !reflect.DeepEqual(side, before) {
		t.Fatal("Forward modified its input side state")
	}
	if got := nextA.(*Side).Next; !reflect.DeepEqual(got, []int{3, 3}) {
		t.Fatalf("next positions = %v", got)
	}
}

func TestForwardHonoursPromptMask(t *testing.T) {
	t.Parallel()

	m, w := newTestModel(t, Config{Vocab: 16, Hidden: 8})
	ctx := context.Background()

	// A left-padded row must match the unpadded prompt.
	padded, _ := m.PrepareSideState(ctx, 1, 8, [][]int{{0, 1, 1}}, [][]int{{0, 0, 1}})
	plain, _ := m.PrepareSideState(ctx, 1, 8, [][]int{{1, 1}}, [][]int{{0, 1}})

	a, sa, err := m.Forward(ctx, w, [][]int{{9, 4, 5}}, padded)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	b, sb, err := m.Forward(ctx, w, [][]int{{4, 5}}, plain)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("masked token changed the logits")
	}
	if sa.(*Side).Next[0] != 2 || sb.(*Side).Next[0] != 2 {
		t.Fatalf("next positions = %d/%d, want 2", sa.(*Side).Next[0], sb.(*Side).Next[0])
	}
}

func TestForwardRejectsBadCollaborators(t *testing.T) {
	t.Parallel()

	m, w := newTestModel(t, Config{Vocab: 16, Hidden: 8})
	side, _ := m.PrepareSideState(context.Background(), 1, 4, nil, nil)

	if _, _, err := m.Forward(context.Background(), nil, [][]int{{1}}, side); err == nil {
		t.Fatal("expected error for missing weights")
	}
	if _, _, err := m.Forward(context.Background(), NewWeights(4, 8, 1), [][]int{{1}}, side); err == nil {
		t.Fatal("expected error for mismatched weights")
	}
	if _, _, err := m.Forward(context.Background(), w, [][]int{{1}, {2}}, side); err == nil {
		t.Fatal("expected error for batch mismatch")
	}
	if _, err := m.PrepareSideState(context.Background(), 1, 1<<20, nil, nil); err == nil {
		t.Fatal("expected error past max positions")
	}
}

func TestSpecialize(t *testing.T) {
	t.Parallel()

	m, _ := newTestModel(t, Config{Vocab: 16, Hidden: 8, MaxPositions: 32, CompileDelay: time.Millisecond})
	shape := decode.Shape{BatchSize: 2, PromptLength: 4}
	if err := m.Specialize(context.Background(), shape, 12); err != nil {
		t.Fatalf("Specialize() error = %v", err)
	}
	if got := m.Compiled(); !reflect.DeepEqual(got, []decode.Shape{shape}) {
		t.Fatalf("Compiled() = %v", got)
	}
	if err := m.Specialize(context.Background(), shape, 33); err == nil {
		t.Fatal("expected error past max positions")
	}

	slow, _ := newTestModel(t, Config{Vocab: 16, Hidden: 8, CompileDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := slow.Specialize(ctx, shape, 8); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEngineWithToyModel(t *testing.T) {
	t.Parallel()

	m, w := newTestModel(t, Config{Vocab: ByteVocab, Hidden: 16, MaxPositions: 128})
	e, err := inference.New(inference.Options{
		Model:     m,
		Params:    w,
		Selector:  logits.Greedy{},
		Config:    decode.Config{MaxNewTokens: 10, StreamingChunkSize: 4},
		Tokenizer: ByteTokenizer{},
	})
	if err != nil {
		t.Fatalf("inference.New() error = %v", err)
	}
	if cfg := e.Config(); cfg.Pad() != PadTokenID || !cfg.IsStop(EOSTokenID) {
		t.Fatalf("token ids not resolved from tokenizer: %+v", cfg)
	}

	ids, _ := ByteTokenizer{}.Encode("hi")
	in := decode.Inputs{InputIDs: [][]int{ids, ids}}
	last, snaps, err := inference.Collect(e.Generate(context.Background(), in))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(snaps) == 0 || last.CurrentLength > len(ids)+10 {
		t.Fatalf("unexpected stream: %d snapshots, final length %d", len(snaps), last.CurrentLength)
	}
	// Identical rows under greedy selection stay identical.
	if !reflect.DeepEqual(last.Sequences[0], last.Sequences[1]) {
		t.Fatalf("rows diverged: %v", last.Sequences)
	}
	if got := m.Compiled(); len(got) != 1 || got[0] != (decode.Shape{BatchSize: 2, PromptLength: 3}) {
		t.Fatalf("Compiled() = %v", got)
	}
	if e.Name()[:10] != "toy-0.00B-" {
		t.Fatalf("Name() = %q", e.Name())
	}
}
