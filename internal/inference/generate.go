package inference

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/samcharles93/streamdecode/internal/decode"
)

// Generate returns a finite stream of snapshots for one request. The first
// snapshot covers the prime step and fills the rest of the first chunk; each
// later snapshot is StreamingChunkSize steps further. The stream ends after
// the first snapshot in which every row is finished or the buffer is full.
//
// A failure is delivered as a final (zero State, error) pair; snapshots
// already yielded stay valid. Breaking out of the loop early is safe. Nothing
// runs until the sequence is ranged over, and each range starts a new
// request.
func (e *Engine) Generate(ctx context.Context, in decode.Inputs) iter.Seq2[decode.State, error] {
	return func(yield func(decode.State, error) bool) {
		e.inFlight.Add(1)
		e.rec.InFlight(1)
		defer func() {
			e.inFlight.Add(-1)
			e.rec.InFlight(-1)
		}()

		start := time.Now()
		var (
			last    decode.State
			stopped bool
		)
		err := e.run(ctx, in, func(st decode.State) bool {
			if n := (st.GeneratedTokens - last.GeneratedTokens) * st.BatchSize(); n > 0 {
				e.tokens.Add(int64(n))
				e.rec.Tokens(n)
			}
			last = st
			if !yield(st, nil) {
				stopped = true
				return false
			}
			return true
		})

		e.rec.GenerationLength(last.GeneratedTokens)
		switch {
		case err != nil:
			e.failed.Add(1)
			status := StatusFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = StatusCancelled
			}
			e.rec.Request(status)
			e.log.Error("generation failed", "status", status, "generated", last.GeneratedTokens, "elapsed", time.Since(start), "error", err)
			yield(decode.State{}, err)
		case stopped:
			e.rec.Request(StatusAbandoned)
			e.log.Debug("generation abandoned by consumer", "generated", last.GeneratedTokens, "elapsed", time.Since(start))
		default:
			e.succeeded.Add(1)
			e.rec.Request(StatusOK)
			e.log.Debug("generation finished",
				"shape", last.Shape().String(),
				"generated", last.GeneratedTokens,
				"all_finished", last.AllFinished(),
				"elapsed", time.Since(start),
			)
		}
	}
}

// run executes one request, handing each snapshot to emit. It returns nil
// when emit asks to stop.
func (e *Engine) run(ctx context.Context, in decode.Inputs, emit func(decode.State) bool) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	norm, defaults, err := in.Normalize()
	if err != nil {
		return err
	}
	shape, _ := norm.Shape()
	if err := e.checkFits(shape); err != nil {
		return err
	}
	e.warnDefaults(shape, defaults)
	e.rec.ObserveStage(StageValidation, time.Since(start))

	plans, _, err := e.ensure(ctx, shape)
	if err != nil {
		return err
	}

	cfg := e.spec.Config
	start = time.Now()
	st, _, err := plans.Prime.Run(ctx, norm, e.requestKey(in.Seed))
	if err != nil {
		return &StepError{Phase: PhasePrime, Err: err}
	}
	e.rec.ObserveStage(StagePriming, time.Since(start))

	// The prime step counts toward the first chunk.
	if budget := cfg.StreamingChunkSize - st.GeneratedTokens; budget > 0 && !st.Done() {
		start = time.Now()
		st, err = plans.Interval.Run(ctx, st, budget)
		if err != nil {
			return &StepError{Phase: PhaseInterval, Chunk: 1, Err: err}
		}
		e.rec.ObserveStage(StageChunk, time.Since(start))
	}
	if !emit(st) {
		return nil
	}

	for chunk := 2; chunk <= cfg.Chunks() && !st.Done(); chunk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start = time.Now()
		st, err = plans.Interval.Run(ctx, st, cfg.StreamingChunkSize)
		if err != nil {
			return &StepError{Phase: PhaseInterval, Chunk: chunk, Err: err}
		}
		e.rec.ObserveStage(StageChunk, time.Since(start))
		if !emit(st) {
			return nil
		}
	}
	return nil
}

func (e *Engine) warnDefaults(shape decode.Shape, d decode.Defaults) {
	if d.Mask {
		e.log.Warn("attention mask not provided, using all ones", "shape", shape.String())
		e.rec.Warning(WarnMissingMask)
	}
	if d.Positions {
		e.log.Warn("position ids not provided, deriving from attention mask", "shape", shape.String())
		e.rec.Warning(WarnMissingPositions)
	}
}

// Collect drains seq. It returns the last snapshot, every snapshot in order,
// and the terminal error if the stream ended with one.
func Collect(seq iter.Seq2[decode.State, error]) (decode.State, []decode.State, error) {
	var (
		last decode.State
		all  []decode.State
	)
	for st, err := range seq {
		if err != nil {
			return last, all, err
		}
		last = st
		all = append(all, st)
	}
	return last, all, nil
}
