package decode

import (
	"fmt"
	"slices"
)

// Shape is the specialization key of a plan pair.
type Shape struct {
	BatchSize    int
	PromptLength int
}

func (s Shape) String() string {
	return fmt.Sprintf("Bx%d-Sx%d", s.BatchSize, s.PromptLength)
}

// State carries everything needed to resume decoding. A State is never
// modified after it is returned from Prime or Step; each step produces a new
// value with its own buffers, so snapshots handed to callers stay valid
// while generation continues.
type State struct {
	CurrentLength int
	PromptLength  int
	MaxLength     int

	// Sequences is [batch][MaxLength], pad-filled past CurrentLength.
	Sequences [][]int
	// RunningToken is what the model sees on the next call:
	// [batch][PromptLength] before the first step, [batch][1] after.
	RunningToken [][]int
	Finished     []bool

	Rand      RandomState
	SideState any

	GeneratedTokens int
}

func (s State) BatchSize() int { return len(s.Sequences) }

func (s State) Shape() Shape {
	return Shape{BatchSize: s.BatchSize(), PromptLength: s.PromptLength}
}

// AllFinished reports whether every row has emitted a stop token.
func (s State) AllFinished() bool {
	if len(s.Finished) == 0 {
		return false
	}
	for _, f := range s.Finished {
		if !f {
			return false
		}
	}
	return true
}

// Exhausted reports whether the buffer has no room for another token.
func (s State) Exhausted() bool {
	return s.CurrentLength >= s.MaxLength
}

// Done is the terminal condition of a request.
func (s State) Done() bool {
	return s.AllFinished() || s.Exhausted()
}

// Generated returns the tokens written after the prompt for row, including
// pad written after the row finished.
func (s State) Generated(row int) []int {
	return slices.Clone(s.Sequences[row][s.PromptLength:s.CurrentLength])
}

// Tail returns the last n committed tokens of row.
func (s State) Tail(row, n int) []int {
	start := max(s.CurrentLength-n, 0)
	return slices.Clone(s.Sequences[row][start:s.CurrentLength])
}

// Clone deep-copies the buffers. SideState is cloned when it knows how.
func (s State) Clone() State {
	out := s
	out.Sequences = cloneRows(s.Sequences)
	out.RunningToken = cloneRows(s.RunningToken)
	out.Finished = slices.Clone(s.Finished)
	if c, ok := s.SideState.(interface{ Clone() any }); ok {
		out.SideState = c.Clone()
	}
	return out
}

func cloneRows(rows [][]int) [][]int {
	if rows == nil {
		return nil
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}

// Inputs is a batched, right-aligned prompt. Mask and Positions are optional;
// when nil they are derived (all ones, cumulative sum of mask minus one).
type Inputs struct {
	InputIDs  [][]int
	Mask      [][]int
	Positions [][]int

	// Seed, when set, fixes the request's random key. Otherwise the engine
	// splits a fresh key from its root.
	Seed *int64
}

// Defaults lists what Normalize had to substitute.
type Defaults struct {
	Mask      bool
	Positions bool
}

func (d Defaults) Any() bool { return d.Mask || d.Positions }

// Normalize validates shapes and derives missing mask/positions. The
// returned Inputs never alias the caller's slices.
func (in Inputs) Normalize() (Inputs, Defaults, error) {
	var d Defaults
	shape, err := in.Shape()
	if err != nil {
		return Inputs{}, d, err
	}
	out := Inputs{InputIDs: cloneRows(in.InputIDs), Seed: in.Seed}

	if in.Mask == nil {
		d.Mask = true
		out.Mask = make([][]int, shape.BatchSize)
		for i := range out.Mask {
			out.Mask[i] = make([]int, shape.PromptLength)
			for j := range out.Mask[i] {
				out.Mask[i][j] = 1
			}
		}
	} else {
		if err := checkRect("attention mask", in.Mask, shape); err != nil {
			return Inputs{}, d, err
		}
		out.Mask = cloneRows(in.Mask)
	}

	if in.Positions == nil {
		d.Positions = true
		out.Positions = make([][]int, shape.BatchSize)
		for i, m := range out.Mask {
			out.Positions[i] = make([]int, shape.PromptLength)
			sum := 0
			for j, v := range m {
				sum += v
				out.Positions[i][j] = sum - 1
			}
		}
	} else {
		if err := checkRect("position ids", in.Positions, shape); err != nil {
			return Inputs{}, d, err
		}
		out.Positions = cloneRows(in.Positions)
	}
	return out, d, nil
}

// Shape validates that InputIDs is a non-empty rectangle.
func (in Inputs) Shape() (Shape, error) {
	if len(in.InputIDs) == 0 {
		return Shape{}, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	n := len(in.InputIDs[0])
	if n == 0 {
		return Shape{}, fmt.Errorf("%w: zero-length prompt", ErrInvalidInput)
	}
	for i, row := range in.InputIDs {
		if len(row) != n {
			return Shape{}, fmt.Errorf("%w: input row %d has length %d, want %d", ErrInvalidInput, i, len(row), n)
		}
	}
	return Shape{BatchSize: len(in.InputIDs), PromptLength: n}, nil
}

func checkRect(name string, rows [][]int, shape Shape) error {
	if len(rows) != shape.BatchSize {
		return fmt.Errorf("%w: %s has %d rows, want %d", ErrInvalidInput, name, len(rows), shape.BatchSize)
	}
	for i, r := range rows {
		if len(r) != shape.PromptLength {
			return fmt.Errorf("%w: %s row %d has length %d, want %d", ErrInvalidInput, name, i, len(r), shape.PromptLength)
		}
	}
	return nil
}

// DummyInputs returns a full-mask prompt of ones for warming a plan.
func DummyInputs(shape Shape) Inputs {
	in := Inputs{
		InputIDs:  make([][]int, shape.BatchSize),
		Mask:      make([][]int, shape.BatchSize),
		Positions: make([][]int, shape.BatchSize),
	}
	for i := range shape.BatchSize {
		in.InputIDs[i] = make([]int, shape.PromptLength)
		in.Mask[i] = make([]int, shape.PromptLength)
		in.Positions[i] = make([]int, shape.PromptLength)
		for j := range shape.PromptLength {
			in.InputIDs[i][j] = 1
			in.Mask[i][j] = 1
			in.Positions[i][j] = j
		}
	}
	return in
}

// LeftPad right-aligns rows of different lengths into one batch. Pad slots
// get mask 0 and position 0; real tokens are numbered from 0.
func LeftPad(rows [][]int, pad int) (Inputs, error) {
	if len(rows) == 0 {
		return Inputs{}, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	width := 0
	for i, r := range rows {
		if len(r) == 0 {
			return Inputs{}, fmt.Errorf("%w: prompt %d is empty", ErrInvalidInput, i)
		}
		width = max(width, len(r))
	}
	in := Inputs{
		InputIDs:  make([][]int, len(rows)),
		Mask:      make([][]int, len(rows)),
		Positions: make([][]int, len(rows)),
	}
	for i, r := range rows {
		off := width - len(r)
		in.InputIDs[i] = make([]int, width)
		in.Mask[i] = make([]int, width)
		in.Positions[i] = make([]int, width)
		for j := range off {
			in.InputIDs[i][j] = pad
		}
		for j, tok := range r {
			in.InputIDs[i][off+j] = tok
			in.Mask[i][off+j] = 1
			in.Positions[i][off+j] = j
		}
	}
	return in, nil
}
