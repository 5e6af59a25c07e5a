package logits

import (
	"fmt"
	"math"

	"github.com/samcharles93/streamdecode/internal/decode"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// ConfigFrom maps the opaque sampling fields of a generation config.
func ConfigFrom(cfg decode.Config) SamplerConfig {
	return SamplerConfig{
		Temperature:   float32(cfg.Temperature),
		TopK:          cfg.TopK,
		TopP:          float32(cfg.TopP),
		MinP:          float32(cfg.MinP),
		RepeatPenalty: float32(cfg.RepeatPenalty),
		RepeatLastN:   cfg.RepeatLastN,
	}
}

// normalize applies the defaults used when a field is unset.
func (c SamplerConfig) normalize() (SamplerConfig, bool) {
	greedy := c.Temperature <= 0
	if c.Temperature <= 0 {
		c.Temperature = 1
	}
	if c.TopK <= 0 {
		c.TopK = 40
	}
	if c.TopP <= 0 || c.TopP > 1 {
		c.TopP = 1
	}
	if c.RepeatPenalty <= 0 {
		c.RepeatPenalty = 1.0
	}
	if c.RepeatLastN <= 0 {
		c.RepeatLastN = 64
	}
	return c, greedy
}

// Sampler is a decode.Selector over top-k/top-p/min-p sampling with an
// optional repetition penalty. It keeps no state between calls, so one
// Sampler can serve every concurrent request of an engine; randomness comes
// entirely from the per-step key.
type Sampler struct {
	// Override, when non-nil, replaces the sampling fields of the generation
	// config.
	Override *SamplerConfig
}

// Greedy always picks the highest logit (after repetition penalty).
type Greedy struct{}

func (Greedy) Select(logits [][]float32, sequences [][]int, _ decode.RandomState, cfg decode.Config) ([]int, error) {
	if err := checkRows(logits, sequences); err != nil {
		return nil, err
	}
	sc, _ := ConfigFrom(cfg).normalize()
	out := make([]int, len(logits))
	for i, row := range logits {
		row = penalize(row, sequences[i], sc, cfg.EOSTokenIDs)
		out[i] = argmax(row)
	}
	return out, nil
}

func (s Sampler) Select(logits [][]float32, sequences [][]int, key decode.RandomState, cfg decode.Config) ([]int, error) {
	if err := checkRows(logits, sequences); err != nil {
		return nil, err
	}
	sc := ConfigFrom(cfg)
	if s.Override != nil {
		sc = *s.Override
	}
	sc, greedy := sc.normalize()

	out := make([]int, len(logits))
	for i, row := range logits {
		row = penalize(row, sequences[i], sc, cfg.EOSTokenIDs)
		if greedy || (sc.TopK == 1 && sc.TopP >= 1 && sc.Temperature == 1) {
			out[i] = argmax(row)
			continue
		}
		out[i] = sampleRow(row, sc, key.Fold(i).Float64())
	}
	return out, nil
}

func checkRows(logits [][]float32, sequences [][]int) error {
	if len(logits) != len(sequences) {
		return fmt.Errorf("logits rows %d do not match sequences rows %d", len(logits), len(sequences))
	}
	for i, row := range logits {
		if len(row) == 0 {
			return fmt.Errorf("empty logits for row %d", i)
		}
	}
	return nil
}

// penalize returns a copy of logits with the repetition penalty applied over
// the last RepeatLastN history tokens. Stop tokens are exempt.
func penalize(logits []float32, history []int, cfg SamplerConfig, exempt []int) []float32 {
	if cfg.RepeatPenalty <= 1.0 || len(history) == 0 {
		return logits
	}
	out := make([]float32, len(logits))
	copy(out, logits)

	start := max(len(history)-cfg.RepeatLastN, 0)
	seen := make(map[int]struct{}, cfg.RepeatLastN)
	for _, id := range history[start:] {
		if id >= 0 && id < len(out) {
			seen[id] = struct{}{}
		}
	}
	for _, id := range exempt {
		delete(seen, id)
	}
	for id := range seen {
		if out[id] > 0 {
			out[id] /= cfg.RepeatPenalty
		} else {
			out[id] *= cfg.RepeatPenalty
		}
	}
	return out
}

// sampleRow draws one index from logits:
//
//  1. The logits are scaled by the inverse temperature and the indices of the
//     top k values are selected.
//  2. A softmax over the shortlist is computed after subtracting the max.
//  3. Min-P drops candidates below MinP times the top probability.
//  4. If TopP<1, the shortlist is truncated when the cumulative probability
//     reaches TopP.
//  5. r in [0,1) selects an index from the truncated distribution.
func sampleRow(logits []float32, cfg SamplerConfig, r float64) int {
	invTemp := float32(1.0) / cfg.Temperature
	k := min(cfg.TopK, len(logits))

	topIdx, topVal := topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	prob := make([]float64, len(topVal))
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if cfg.MinP > 0 {
		threshold := prob[0] * float64(cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				kept += prob[i]
				n++
			}
		}
		if n == 0 {
			return argmax(logits)
		}
		prob = prob[:n]
		topIdx = topIdx[:n]
		if kept > 0 {
			for i := range prob {
				prob[i] /= kept
			}
		}
	}

	cut := len(prob)
	if cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= cfg.TopP {
				cut = i + 1
				break
			}
		}
		// Renormalize the nucleus so r covers it fully.
		var mass float64
		for i := range cut {
			mass += prob[i]
		}
		r *= mass
	}

	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits, scaled by invTemp.
// The returned slices are ordered from largest to smallest by value.
// This is an O(V*K) algorithm suitable for small K.
func topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	topIdx := make([]int, 0, k+1)
	topVal := make([]float32, 0, k+1)

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	return topIdx, topVal
}
