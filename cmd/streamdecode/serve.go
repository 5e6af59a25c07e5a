package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/streamdecode/internal/api"
	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logger"
	"github.com/samcharles93/streamdecode/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int64
		maxBatch      int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: append(append(modelFlags(), generationFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "generations running at once; further requests queue",
				Value:       4,
				Destination: &maxConcurrent,
			},
			&cli.Int64Flag{
				Name:        "max-batch",
				Usage:       "maximum rows per request",
				Value:       32,
				Destination: &maxBatch,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			engine, cfg, err := buildEngine(ctx, cmd, func(name string) inference.Recorder {
				return m.For(name)
			})
			if err != nil {
				return err
			}
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if err := warmupShapes(ctx, engine, cfg.WarmupShapes); err != nil {
				return err
			}

			server := api.NewServer(engine, api.Options{
				MaxConcurrent: maxConcurrent,
				MaxBatch:      int(maxBatch),
				Gatherer:      reg,
				Logger:        log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "engine", engine.Name())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// warmupShapes builds the configured shapes before the server accepts
// traffic.
func warmupShapes(ctx context.Context, engine *inference.Engine, shapes []WarmupShape) error {
	log := logger.FromContext(ctx)
	for _, s := range shapes {
		start := time.Now()
		outcome, err := engine.Specialize(ctx, s.Batch, s.PromptLength)
		if err != nil {
			return err
		}
		log.Info("warmed plans", "batch", s.Batch, "prompt_length", s.PromptLength, "outcome", outcome.String(), "elapsed", time.Since(start))
	}
	return nil
}
