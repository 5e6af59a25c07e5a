package decode

import (
	"context"
	"fmt"
)

// PrimePlan is the first-step executable for one shape.
type PrimePlan struct {
	shape Shape
	spec  Spec
}

// IntervalPlan advances a primed state of one shape by a bounded number of
// steps.
type IntervalPlan struct {
	shape     Shape
	maxLength int
	spec      Spec
}

// Plans is the cached pair for one shape.
type Plans struct {
	Prime    *PrimePlan
	Interval *IntervalPlan
}

func (p *PrimePlan) Shape() Shape { return p.shape }

// Run primes a request. in must have the plan's shape.
func (p *PrimePlan) Run(ctx context.Context, in Inputs, rand RandomState) (State, Defaults, error) {
	shape, err := in.Shape()
	if err != nil {
		return State{}, Defaults{}, err
	}
	if shape != p.shape {
		return State{}, Defaults{}, fmt.Errorf("%w: prime plan for %s got %s", ErrShapeMismatch, p.shape, shape)
	}
	return Prime(ctx, p.spec, in, rand)
}

func (p *IntervalPlan) Shape() Shape { return p.shape }

// Run takes at most budget steps.
func (p *IntervalPlan) Run(ctx context.Context, st State, budget int) (State, error) {
	if st.Shape() != p.shape || st.MaxLength != p.maxLength {
		return State{}, fmt.Errorf("%w: interval plan for %s/%d got %s/%d", ErrShapeMismatch, p.shape, p.maxLength, st.Shape(), st.MaxLength)
	}
	return Interval(ctx, p.spec, st, budget)
}

// BuildPlans specializes the model for shape, constructs the prime plan,
// warms it once on dummy inputs and builds the interval plan against the
// warmed state's shape.
func BuildPlans(ctx context.Context, spec Spec, shape Shape) (Plans, error) {
	if shape.BatchSize <= 0 || shape.PromptLength <= 0 {
		return Plans{}, fmt.Errorf("%w: cannot specialize for %s", ErrInvalidInput, shape)
	}
	if err := spec.Config.Validate(); err != nil {
		return Plans{}, err
	}
	maxLength := shape.PromptLength + spec.Config.MaxNewTokens
	if s, ok := spec.Model.(Specializer); ok {
		if err := safeSpecialize(ctx, s, shape, maxLength); err != nil {
			return Plans{}, err
		}
	}

	prime := &PrimePlan{shape: shape, spec: spec}
	warm, _, err := prime.Run(ctx, DummyInputs(shape), NewRandomState(0))
	if err != nil {
		return Plans{}, fmt.Errorf("warm prime plan %s: %w", shape, err)
	}

	interval := &IntervalPlan{shape: warm.Shape(), maxLength: warm.MaxLength, spec: spec}
	return Plans{Prime: prime, Interval: interval}, nil
}

func safeSpecialize(ctx context.Context, s Specializer, shape Shape, maxLength int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Specialize: %v", rec)
		}
	}()
	if err := s.Specialize(ctx, shape, maxLength); err != nil {
		return fmt.Errorf("specialize %s: %w", shape, err)
	}
	return nil
}
