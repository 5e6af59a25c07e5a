package decode

import "errors"

var (
	// ErrInvalidInput marks precondition violations: missing token ids,
	// empty prompts, ragged or mismatched mask/position shapes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrShapeMismatch is returned when a plan runs on a shape it was not
	// specialized for.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrCapacity is returned when a step would write past MaxLength.
	ErrCapacity = errors.New("sequence buffer full")
)
