package logits

import (
	"testing"

	"github.com/samcharles93/streamdecode/internal/decode"
)

func cfg(temp float64, topK int, topP float64) decode.Config {
	return decode.Config{
		MaxNewTokens:       8,
		EOSTokenIDs:        []int{2},
		PadTokenID:         decode.IntPtr(0),
		StreamingChunkSize: 4,
		Temperature:        temp,
		TopK:               topK,
		TopP:               topP,
	}
}

// TestSamplerDeterminism ensures that identical keys produce identical picks.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{0, 1, 2, 3, 4, 5}, {5, 4, 3, 2, 1, 0}}
	seqs := [][]int{{1}, {1}}
	c := cfg(0.9, 4, 0.95)
	key := decode.NewRandomState(42)
	a, err := Sampler{}.Select(logs, seqs, key, c)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	b, err := Sampler{}.Select(logs, seqs, key, c)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic sample, got %v vs %v", a, b)
		}
	}
}

// TestSamplerGreedy tests that TopK=1, Temperature=1, TopP>=1 returns the
// index of the maximum logit.
func TestSamplerGreedy(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{-1, 5, 3, 7, 2}}
	got, err := Sampler{}.Select(logs, [][]int{{1}}, decode.NewRandomState(99), cfg(1.0, 1, 1.0))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got[0] != 3 {
		t.Fatalf("expected greedy index 3, got %d", got[0])
	}
}

func TestGreedyIgnoresKey(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{0.1, 0.2, 0.9, 0.3}}
	for seed := range int64(5) {
		got, err := Greedy{}.Select(logs, [][]int{{1}}, decode.NewRandomState(seed), cfg(0.7, 40, 0.9))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got[0] != 2 {
			t.Fatalf("seed %d: got %d, want 2", seed, got[0])
		}
	}
}

// TestSamplerTopP ensures that when the top candidate alone exceeds TopP only
// its index is ever returned.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{10, 0, 0, 0, 0}}
	key := decode.NewRandomState(7)
	for range 20 {
		next, sub := key.Split()
		key = next
		got, err := Sampler{}.Select(logs, [][]int{{1}}, sub, cfg(1.0, 5, 0.5))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got[0] != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", got[0])
		}
	}
}

func TestSamplerOverride(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{0, 3, 1}}
	s := Sampler{Override: &SamplerConfig{Temperature: 0}}
	got, err := s.Select(logs, [][]int{{1}}, decode.NewRandomState(1), cfg(2.0, 3, 1))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("override to greedy: got %d, want 1", got[0])
	}
}

func TestSamplerMinPAboveOneFallsBackToArgmax(t *testing.T) {
	t.Parallel()

	logs := [][]float32{{0, 3, 1}}
	s := Sampler{Override: &SamplerConfig{Temperature: 1, TopK: 3, MinP: 1.5}}
	for seed := range int64(8) {
		got, err := s.Select(logs, [][]int{{1}}, decode.NewRandomState(seed), cfg(1, 3, 1))
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got[0] != 1 {
			t.Fatalf("seed %d: got %d, want argmax 1", seed, got[0])
		}
	}
}

func TestRepeatPenaltyDoesNotMutateLogits(t *testing.T) {
	t.Parallel()

	row := []float32{1, 2, 1.9}
	c := cfg(0, 0, 0)
	c.RepeatPenalty = 2
	got, err := Greedy{}.Select([][]float32{row}, [][]int{{1}}, decode.NewRandomState(1), c)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got[0] != 2 {
		t.Fatalf("penalized pick = %d, want 2", got[0])
	}
	if row[1] != 2 {
		t.Fatalf("input logits were modified: %v", row)
	}
}

func TestSelectRejectsMismatchedRows(t *testing.T) {
	t.Parallel()

	_, err := Greedy{}.Select([][]float32{{1}}, [][]int{{1}, {2}}, decode.NewRandomState(1), cfg(0, 0, 0))
	if err == nil {
		t.Fatal("expected error")
	}
}
