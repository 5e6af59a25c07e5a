package decode

import "math"

// RandomState is an opaque, splittable random key. It is a value type: a key
// is consumed by splitting it, never by drawing from it twice.
type RandomState struct {
	k [2]uint64
}

// NewRandomState derives a key from seed.
func NewRandomState(seed int64) RandomState {
	s := uint64(seed)
	return RandomState{k: [2]uint64{mix64(s), mix64(s ^ 0x9e3779b97f4a7c15)}}
}

// Split returns two independent keys derived from r. The step function keeps
// next for the following step and hands sub to the selector.
func (r RandomState) Split() (next, sub RandomState) {
	a := mix64(r.k[0] + 0x9e3779b97f4a7c15)
	b := mix64(r.k[1] ^ a)
	c := mix64(r.k[0] ^ 0xbf58476d1ce4e5b9)
	d := mix64(r.k[1] + c)
	return RandomState{k: [2]uint64{a, b}}, RandomState{k: [2]uint64{c, d}}
}

// Fold derives a key for an index, used to give every row of a batch its
// own stream from a single per-step key.
func (r RandomState) Fold(i int) RandomState {
	x := uint64(i) * 0xd6e8feb86659fd93
	return RandomState{k: [2]uint64{mix64(r.k[0] ^ x), mix64(r.k[1] + x)}}
}

// Uint64 returns the value of the key as a single draw.
func (r RandomState) Uint64() uint64 {
	return mix64(r.k[0] ^ r.k[1])
}

// Float64 returns a draw in [0, 1).
func (r RandomState) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// Seed returns an int64 seed suitable for math/rand sources.
func (r RandomState) Seed() int64 {
	return int64(r.Uint64() & math.MaxInt64)
}

// mix64 is the SplitMix64 finalizer.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
