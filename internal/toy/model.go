// Package toy provides a small deterministic language model and a byte-level
// tokenizer. They exercise the engine end to end without real weights.
package toy

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/streamdecode/internal/decode"
)

// Weights is the parameter set of the toy model. It is passed to Forward as
// the opaque params value and is never written after NewWeights returns.
type Weights struct {
	Vocab  int
	Hidden int

	Emb  []float32 // [Vocab x Hidden] embedding matrix
	W    []float32 // [Hidden x Vocab] projection weights
	Bias []float32 // [Vocab] bias added to logits
}

// NewWeights fills the embedding and projection matrices from seed. Biases
// are zero.
func NewWeights(vocab, hidden int, seed int64) *Weights {
	w := &Weights{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    make([]float32, vocab*hidden),
		W:      make([]float32, hidden*vocab),
		Bias:   make([]float32, vocab),
	}
	fillRand(w.Emb, seed+11)
	fillRand(w.W, seed+23)
	return w
}

func fillRand(dst []float32, seed int64) {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	for i := range dst {
		dst[i] = (rng.Float32() - 0.5) * 2
	}
}

// NumParams counts the scalars in w.
func (w *Weights) NumParams() int64 {
	return int64(len(w.Emb) + len(w.W) + len(w.Bias))
}

func (w *Weights) embedding(tok int) []float32 {
	tok %= w.Vocab
	if tok < 0 {
		tok += w.Vocab
	}
	return w.Emb[tok*w.Hidden : (tok+1)*w.Hidden]
}

// project computes h * W + bias.
func (w *Weights) project(h []float32) []float32 {
	logits := make([]float32, w.Vocab)
	for j := range w.Vocab {
		var sum float32
		for i := range w.Hidden {
			sum += h[i] * w.W[i*w.Vocab+j]
		}
		logits[j] = sum + w.Bias[j]
	}
	return logits
}

// Config describes the toy architecture.
type Config struct {
	Vocab        int
	Hidden       int
	MaxPositions int
	// CompileDelay simulates the cost of specializing for a new shape.
	CompileDelay time.Duration
}

// Model is a recurrent toy: each token is folded into a per-row hidden
// vector, and the logits are a linear projection of that vector.
type Model struct {
	cfg Config

	mu       sync.Mutex
	compiled map[decode.Shape]int
}

// New returns a model for cfg.
func New(cfg Config) (*Model, error) {
	if cfg.Vocab <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("toy model needs positive vocab and hidden sizes, got %d/%d", cfg.Vocab, cfg.Hidden)
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 2048
	}
	return &Model{cfg: cfg, compiled: make(map[decode.Shape]int)}, nil
}

func (m *Model) ModelType() string { return "toy" }

// NumParams reports the parameter count of weights built for this config.
func (m *Model) NumParams() int64 {
	return int64(2*m.cfg.Vocab*m.cfg.Hidden + m.cfg.Vocab)
}

func (m *Model) MaxPositions() int { return m.cfg.MaxPositions }

func (m *Model) Vocab() int { return m.cfg.Vocab }

// Specialize records shape as compiled after CompileDelay.
func (m *Model) Specialize(ctx context.Context, shape decode.Shape, maxLength int) error {
	if maxLength > m.cfg.MaxPositions {
		return fmt.Errorf("max length %d exceeds %d positions", maxLength, m.cfg.MaxPositions)
	}
	if m.cfg.CompileDelay > 0 {
		t := time.NewTimer(m.cfg.CompileDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	m.mu.Lock()
	m.compiled[shape] = maxLength
	m.mu.Unlock()
	return nil
}

// Compiled lists the shapes Specialize has completed for.
func (m *Model) Compiled() []decode.Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]decode.Shape, 0, len(m.compiled))
	for s := range m.compiled {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b decode.Shape) int {
		if a.BatchSize != b.BatchSize {
			return a.BatchSize - b.BatchSize
		}
		return a.PromptLength - b.PromptLength
	})
	return out
}

// Side is the per-request recurrent state. Forward returns a new Side and
// never modifies the one it was given.
type Side struct {
	Hidden [][]float32
	Next   []int // next position per row

	mask      [][]int
	positions [][]int
	primed    bool
}

func (s *Side) Clone() any {
	out := &Side{
		Hidden:    make([][]float32, len(s.Hidden)),
		Next:      slices.Clone(s.Next),
		mask:      s.mask,
		positions: s.positions,
		primed:    s.primed,
	}
	for i, h := range s.Hidden {
		out.Hidden[i] = slices.Clone(h)
	}
	return out
}

func (m *Model) PrepareSideState(_ context.Context, batchSize, maxLength int, mask, positions [][]int) (any, error) {
	if maxLength > m.cfg.MaxPositions {
		return nil, fmt.Errorf("max length %d exceeds %d positions", maxLength, m.cfg.MaxPositions)
	}
	s := &Side{
		Hidden:    make([][]float32, batchSize),
		Next:      make([]int, batchSize),
		mask:      mask,
		positions: positions,
	}
	for i := range s.Hidden {
		s.Hidden[i] = make([]float32, m.cfg.Hidden)
	}
	return s, nil
}

// Forward folds tokens into the hidden state and returns next-token logits.
// On the first call the prompt mask and position ids are honoured; masked
// tokens are skipped.
func (m *Model) Forward(ctx context.Context, params any, tokens [][]int, side any) ([][]float32, any, error) {
	w, ok := params.(*Weights)
	if !ok || w == nil {
		return nil, nil, fmt.Errorf("toy model expects *toy.Weights params, got %T", params)
	}
	if w.Vocab != m.cfg.Vocab || w.Hidden != m.cfg.Hidden {
		return nil, nil, fmt.Errorf("weights are %dx%d, model is %dx%d", w.Vocab, w.Hidden, m.cfg.Vocab, m.cfg.Hidden)
	}
	s, ok := side.(*Side)
	if !ok || s == nil {
		return nil, nil, fmt.Errorf("toy model expects *toy.Side, got %T", side)
	}
	if len(tokens) != len(s.Hidden) {
		return nil, nil, fmt.Errorf("got %d token rows for batch %d", len(tokens), len(s.Hidden))
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	next := &Side{
		Hidden:    make([][]float32, len(tokens)),
		Next:      make([]int, len(tokens)),
		mask:      s.mask,
		positions: s.positions,
		primed:    true,
	}
	logits := make([][]float32, len(tokens))
	for i, row := range tokens {
		h := slices.Clone(s.Hidden[i])
		pos := s.Next[i]
		for j, tok := range row {
			if !s.primed && s.mask != nil {
				if s.mask[i][j] == 0 {
					continue
				}
				pos = s.positions[i][j]
			}
			mix(h, w.embedding(tok), pos)
			pos++
		}
		next.Hidden[i] = h
		next.Next[i] = pos
		logits[i] = w.project(h)
	}
	return logits, next, nil
}

// mix decays h and adds the position-modulated embedding.
func mix(h, emb []float32, pos int) {
	for k := range h {
		phase := float64(pos+1) / math.Pow(100, float64(k)/float64(len(h)))
		h[k] = 0.5*h[k] + emb[k] + 0.1*float32(math.Sin(phase))
	}
}
