// Package inference drives cached decode plans for batched requests and
// streams the resulting snapshots.
package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/logger"
	"github.com/samcharles93/streamdecode/internal/logits"
	"github.com/samcharles93/streamdecode/internal/plancache"
)

// Options configures an Engine.
type Options struct {
	Model    decode.Model
	Params   any
	Selector decode.Selector
	Config   decode.Config

	Tokenizer Tokenizer
	Recorder  Recorder
	Logger    logger.Logger

	// Seed initializes the root key that unseeded requests split from.
	Seed int64
	// Name overrides the derived engine name.
	Name  string
	Cache plancache.Options
}

// Engine owns one model, one generation config and the plan cache for them.
// It is safe for concurrent use; each Generate call carries its own state.
type Engine struct {
	id    string
	name  string
	spec  decode.Spec
	tok   Tokenizer
	rec   safeRecorder
	log   logger.Logger
	cache *plancache.Cache

	mu   sync.Mutex
	root decode.RandomState

	inFlight  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	tokens    atomic.Int64
	builds    atomic.Int64
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	InFlight  int64 `json:"in_flight"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Tokens    int64 `json:"tokens"`
	Builds    int64 `json:"builds"`
	Plans     int   `json:"plans"`
}

// New validates opts and returns an engine with an empty plan cache.
func New(opts Options) (*Engine, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("%w: model is required", decode.ErrInvalidInput)
	}
	if opts.Selector == nil {
		opts.Selector = logits.Greedy{}
	}
	cfg := opts.Config.WithDefaults()
	if opts.Tokenizer != nil {
		cfg = ResolveTokenIDs(cfg, opts.Tokenizer)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	name := opts.Name
	if name == "" {
		name = engineName(opts.Model, time.Now())
	}
	e := &Engine{
		id:   uuid.NewString(),
		name: name,
		spec: decode.Spec{
			Model:    opts.Model,
			Params:   opts.Params,
			Selector: opts.Selector,
			Config:   cfg,
		},
		tok:  opts.Tokenizer,
		root: decode.NewRandomState(opts.Seed),
	}
	e.log = opts.Logger.With("component", "engine", "engine", e.name)
	e.rec = safeRecorder{
		rec: opts.Recorder,
		onErr: func(call string, r any) {
			e.log.Warn("recorder panicked", "call", call, "panic", fmt.Sprint(r))
		},
	}

	cacheOpts := opts.Cache
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = opts.Logger.With("component", "plancache", "engine", e.name)
	}
	onBuild := cacheOpts.OnBuild
	cacheOpts.OnBuild = func(key plancache.Key, d time.Duration, err error) {
		if err == nil {
			e.builds.Add(1)
		}
		e.rec.Build(d, err)
		e.rec.ObserveStage(StageBuild, d)
		if onBuild != nil {
			onBuild(key, d, err)
		}
	}
	e.cache = plancache.New(cacheOpts)
	return e, nil
}

// ID is the instance id that scopes this engine's cache keys.
func (e *Engine) ID() string { return e.id }

// Name is "{model_type}-{params}B-{yyyymmdd}" unless overridden.
func (e *Engine) Name() string { return e.name }

// Config returns the resolved generation config.
func (e *Engine) Config() decode.Config { return e.spec.Config }

// Plans lists the shapes that are ready to serve.
func (e *Engine) Plans() []plancache.Key { return e.cache.Keys() }

// Stats snapshots the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		InFlight:  e.inFlight.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Tokens:    e.tokens.Load(),
		Builds:    e.builds.Load(),
		Plans:     e.cache.Len(),
	}
}

// PrefillLength is the longest prompt the model can take while still leaving
// room for MaxNewTokens. The model must report MaxPositions.
func (e *Engine) PrefillLength() (int, error) {
	m, ok := e.spec.Model.(interface{ MaxPositions() int })
	if !ok {
		return 0, fmt.Errorf("model %T does not report its maximum sequence length", e.spec.Model)
	}
	n := m.MaxPositions() - e.spec.Config.MaxNewTokens
	if n <= 0 {
		return 0, fmt.Errorf("%w: max positions %d leave no room for %d new tokens", decode.ErrInvalidInput, m.MaxPositions(), e.spec.Config.MaxNewTokens)
	}
	return n, nil
}

// EnsureSpecialized makes the plans for (batchSize, promptLength) ready and
// reports true once they are. A zero promptLength means PrefillLength.
func (e *Engine) EnsureSpecialized(ctx context.Context, batchSize, promptLength int) (bool, error) {
	if _, err := e.Specialize(ctx, batchSize, promptLength); err != nil {
		return false, err
	}
	return true, nil
}

// Specialize is EnsureSpecialized that also reports whether this call built
// the plans.
func (e *Engine) Specialize(ctx context.Context, batchSize, promptLength int) (plancache.Outcome, error) {
	if promptLength == 0 {
		n, err := e.PrefillLength()
		if err != nil {
			return plancache.Hit, err
		}
		promptLength = n
	}
	if batchSize <= 0 || promptLength <= 0 {
		return plancache.Hit, fmt.Errorf("%w: cannot specialize for batch %d, prompt length %d", decode.ErrInvalidInput, batchSize, promptLength)
	}
	shape := decode.Shape{BatchSize: batchSize, PromptLength: promptLength}
	if err := e.checkFits(shape); err != nil {
		return plancache.Hit, err
	}
	_, outcome, err := e.ensure(ctx, shape)
	return outcome, err
}

// checkFits rejects shapes whose prompt plus MaxNewTokens would overrun the
// model's positions. Models that do not report MaxPositions are not checked.
func (e *Engine) checkFits(shape decode.Shape) error {
	m, ok := e.spec.Model.(interface{ MaxPositions() int })
	if !ok {
		return nil
	}
	if need := shape.PromptLength + e.spec.Config.MaxNewTokens; need > m.MaxPositions() {
		return fmt.Errorf("%w: prompt length %d plus %d new tokens exceeds the model's %d positions",
			decode.ErrInvalidInput, shape.PromptLength, e.spec.Config.MaxNewTokens, m.MaxPositions())
	}
	return nil
}

func (e *Engine) ensure(ctx context.Context, shape decode.Shape) (decode.Plans, plancache.Outcome, error) {
	key := plancache.Key{BatchSize: shape.BatchSize, PromptLength: shape.PromptLength, Instance: e.id}
	return e.cache.Ensure(ctx, key, func(ctx context.Context, key plancache.Key) (decode.Plans, error) {
		return decode.BuildPlans(ctx, e.spec, key.Shape())
	})
}

// requestKey returns the random key for one request.
func (e *Engine) requestKey(seed *int64) decode.RandomState {
	if seed != nil {
		return decode.NewRandomState(*seed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var sub decode.RandomState
	e.root, sub = e.root.Split()
	return sub
}

// DefaultName is the name New derives for m when Options.Name is empty, so
// callers can label collectors before the engine exists.
func DefaultName(m decode.Model) string {
	return engineName(m, time.Now())
}

func engineName(m decode.Model, now time.Time) string {
	modelType := "unknown"
	if t, ok := m.(interface{ ModelType() string }); ok && t.ModelType() != "" {
		modelType = strings.ToLower(t.ModelType())
	}
	size := "unknown"
	if p, ok := m.(interface{ NumParams() int64 }); ok {
		size = fmt.Sprintf("%.2f", float64(p.NumParams())/1e9)
	}
	return fmt.Sprintf("%s-%sB-%s", modelType, size, now.Format("20060102"))
}
