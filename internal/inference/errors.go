package inference

import "fmt"

// Phase names the part of a request that failed.
type Phase string

const (
	PhasePrime    Phase = "prime"
	PhaseInterval Phase = "interval"
)

// StepError is returned through the stream when a plan fails after the
// request was admitted. Chunk is 0 for the prime phase.
type StepError struct {
	Phase Phase
	Chunk int
	Err   error
}

func (e *StepError) Error() string {
	if e.Phase == PhasePrime {
		return fmt.Sprintf("%s step: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s chunk %d: %v", e.Phase, e.Chunk, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
