package inference

import "time"

// Stage names passed to Recorder.ObserveStage.
const (
	StageValidation = "validation"
	StageBuild      = "build"
	StagePriming    = "priming"
	StageChunk      = "streaming-chunk"
)

// Request statuses passed to Recorder.Request.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusAbandoned = "abandoned"
)

// Warning kinds passed to Recorder.Warning.
const (
	WarnMissingMask      = "missing_attention_mask"
	WarnMissingPositions = "missing_position_ids"
)

// Recorder receives engine bookkeeping. Implementations must be safe for
// concurrent use; the engine never lets a Recorder error or panic reach the
// caller.
type Recorder interface {
	InFlight(delta int)
	ObserveStage(stage string, d time.Duration)
	Request(status string)
	Tokens(n int)
	GenerationLength(n int)
	Build(d time.Duration, err error)
	Warning(kind string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) InFlight(int)                       {}
func (NopRecorder) ObserveStage(string, time.Duration) {}
func (NopRecorder) Request(string)                     {}
func (NopRecorder) Tokens(int)                         {}
func (NopRecorder) GenerationLength(int)               {}
func (NopRecorder) Build(time.Duration, error)         {}
func (NopRecorder) Warning(string)                     {}

// safeRecorder shields generation from a faulty metrics sink.
type safeRecorder struct {
	rec   Recorder
	onErr func(call string, rec any)
}

func (s safeRecorder) guard(call string) {
	if r := recover(); r != nil && s.onErr != nil {
		s.onErr(call, r)
	}
}

func (s safeRecorder) InFlight(delta int) {
	defer s.guard("InFlight")
	s.rec.InFlight(delta)
}

func (s safeRecorder) ObserveStage(stage string, d time.Duration) {
	defer s.guard("ObserveStage")
	s.rec.ObserveStage(stage, d)
}

func (s safeRecorder) Request(status string) {
	defer s.guard("Request")
	s.rec.Request(status)
}

func (s safeRecorder) Tokens(n int) {
	defer s.guard("Tokens")
	s.rec.Tokens(n)
}

func (s safeRecorder) GenerationLength(n int) {
	defer s.guard("GenerationLength")
	s.rec.GenerationLength(n)
}

func (s safeRecorder) Build(d time.Duration, err error) {
	defer s.guard("Build")
	s.rec.Build(d, err)
}

func (s safeRecorder) Warning(kind string) {
	defer s.guard("Warning")
	s.rec.Warning(kind)
}
