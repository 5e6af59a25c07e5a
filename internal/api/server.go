// Package api exposes an engine over HTTP.
package api

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logger"
	"github.com/samcharles93/streamdecode/internal/metrics"
	"github.com/samcharles93/streamdecode/internal/plancache"
	"github.com/samcharles93/streamdecode/internal/version"
)

// Engine is what the server needs from an inference.Engine.
type Engine interface {
	ID() string
	Name() string
	Config() decode.Config
	Generate(ctx context.Context, in decode.Inputs) iter.Seq2[decode.State, error]
	PrefillLength() (int, error)
	Specialize(ctx context.Context, batchSize, promptLength int) (plancache.Outcome, error)
	Encode(text string) ([]int, error)
	EncodeChat(messages []inference.Message) ([]int, error)
	Decode(ids []int) (string, bool, error)
	CountTokens(text string) (int, error)
	CountChatTokens(messages []inference.Message) (int, error)
	Plans() []plancache.Key
	Stats() inference.Stats
}

// Options configures a Server.
type Options struct {
	// MaxConcurrent bounds the number of generations running at once.
	// Further requests wait for a slot. Zero means 4.
	MaxConcurrent int64
	// MaxBatch caps the rows of one request. Zero means 32.
	MaxBatch int
	// Gatherer backs GET /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
}

type Server struct {
	engine   Engine
	sem      *semaphore.Weighted
	maxBatch int
	gatherer prometheus.Gatherer
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(engine Engine, opts Options) *Server {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 32
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Server{
		engine:   engine,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		maxBatch: opts.MaxBatch,
		gatherer: opts.Gatherer,
		log:      opts.Logger.With("component", "api"),
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)

	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/warmup", s.handleWarmup)
	e.POST("/v1/tokens/count", s.handleCountTokens)
	e.GET("/v1/plans", s.handlePlans)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, HealthResponse{
		Status:  "ok",
		Model:   s.engine.Name(),
		Version: version.String(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	if s.gatherer == nil {
		return writeError(c, http.StatusNotFound, "not_found_error", "metrics are disabled", "", "")
	}
	metrics.Handler(s.gatherer).ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleWarmup(c *echo.Context) error {
	req, err := decodeJSON[WarmupRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	if req.BatchSize <= 0 {
		return writeBadRequest(c, "batch_size", "batch_size must be positive")
	}
	if req.BatchSize > s.maxBatch {
		return writeBadRequest(c, "batch_size", "batch_size exceeds the server limit")
	}
	if req.PromptLength < 0 {
		return writeBadRequest(c, "prompt_length", "prompt_length must not be negative")
	}

	promptLength := req.PromptLength
	if promptLength == 0 {
		if promptLength, err = s.engine.PrefillLength(); err != nil {
			return writeBadRequest(c, "prompt_length", err.Error())
		}
	}

	start := s.clock()
	outcome, err := s.engine.Specialize(c.Request().Context(), req.BatchSize, promptLength)
	if err != nil {
		s.log.Warn("warmup failed", "batch_size", req.BatchSize, "prompt_length", promptLength, "error", err)
		return writeEngineError(c, err)
	}
	key := plancache.Key{BatchSize: req.BatchSize, PromptLength: promptLength, Instance: s.engine.ID()}
	return writeJSON(c, http.StatusOK, WarmupResponse{
		Model:        s.engine.Name(),
		Key:          key.String(),
		BatchSize:    req.BatchSize,
		PromptLength: promptLength,
		Outcome:      outcome.String(),
		ElapsedMS:    float64(s.clock().Sub(start).Microseconds()) / 1000,
	})
}

func (s *Server) handleCountTokens(c *echo.Context) error {
	req, err := decodeJSON[CountTokensRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	var n int
	switch {
	case req.Text != nil && len(req.Messages) > 0:
		return writeBadRequest(c, "text", "set either text or messages, not both")
	case req.Text != nil:
		n, err = s.engine.CountTokens(*req.Text)
	case len(req.Messages) > 0:
		n, err = s.engine.CountChatTokens(req.Messages)
	default:
		return writeBadRequest(c, "text", "text or messages is required")
	}
	if err != nil {
		return writeEngineError(c, err)
	}
	return writeJSON(c, http.StatusOK, CountTokensResponse{Object: "token_count", Tokens: n})
}

func (s *Server) handlePlans(c *echo.Context) error {
	keys := s.engine.Plans()
	plans := make([]PlanEntry, 0, len(keys))
	for _, k := range keys {
		plans = append(plans, PlanEntry{Key: k.String(), BatchSize: k.BatchSize, PromptLength: k.PromptLength})
	}
	return writeJSON(c, http.StatusOK, PlansResponse{
		Model:    s.engine.Name(),
		EngineID: s.engine.ID(),
		Plans:    plans,
		Stats:    s.engine.Stats(),
	})
}
