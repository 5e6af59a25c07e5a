package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	vocabSize    int64
	hiddenSize   int64
	maxPositions int64
	weightsSeed  int64
	compileDelay time.Duration
	buildTimeout time.Duration
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/streamdecode/config.yaml)",
		Destination: &configFile,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging installs the logger selected by the logging flags and the
// config file into the command context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}

	format := strings.ToLower(strings.TrimSpace(logFormat))
	if format == "auto" {
		format = "text"
		if stderrIsTTY() {
			format = "pretty"
		}
	}
	log, err := logger.ForFormat(format, os.Stderr, level)
	if err != nil {
		return ctx, fmt.Errorf("--log-format: %w", err)
	}
	return logger.WithContext(ctx, log), nil
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy model vocabulary size (at least the tokenizer's)",
			Value:       512,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "toy model hidden size",
			Value:       64,
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "max-positions",
			Aliases:     []string{"max-ctx"},
			Usage:       "maximum sequence length the model accepts",
			Value:       2048,
			Destination: &maxPositions,
		},
		&cli.Int64Flag{
			Name:        "weights-seed",
			Usage:       "seed for the toy model weights",
			Value:       1,
			Destination: &weightsSeed,
		},
		&cli.DurationFlag{
			Name:        "compile-delay",
			Usage:       "simulated per-shape compilation time",
			Destination: &compileDelay,
		},
		&cli.DurationFlag{
			Name:        "build-timeout",
			Usage:       "how long a request waits on a plan build started by another request",
			Value:       10 * time.Minute,
			Destination: &buildTimeout,
		},
	}
}

func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:    "max-new-tokens",
			Aliases: []string{"n", "steps"},
			Usage:   "number of tokens to generate per row (default 512)",
		},
		&cli.Int64Flag{
			Name:    "chunk",
			Aliases: []string{"streaming-chunk-size"},
			Usage:   "tokens generated between snapshots (default 64)",
		},
		&cli.Float64Flag{
			Name:    "temp",
			Aliases: []string{"temperature", "t"},
			Usage:   "sampling temperature (0 = greedy)",
		},
		&cli.Int64Flag{
			Name:    "top-k",
			Aliases: []string{"top_k", "topk"},
			Usage:   "top-k sampling parameter (default 40)",
		},
		&cli.Float64Flag{
			Name:    "top-p",
			Aliases: []string{"top_p", "topp"},
			Usage:   "top_p sampling parameter (default 0.95)",
		},
		&cli.Float64Flag{
			Name:    "min-p",
			Aliases: []string{"min_p", "minp"},
			Usage:   "min_p sampling parameter (0.0 = disabled)",
		},
		&cli.Float64Flag{
			Name:    "repeat-penalty",
			Aliases: []string{"repeat_penalty"},
			Usage:   "repetition penalty (default 1.0 = disabled)",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "engine random seed",
		},
	}
}

// requestOptions collects the generation flags that were set explicitly.
func requestOptions(cmd *cli.Command) inference.RequestOptions {
	var opts inference.RequestOptions
	if cmd.IsSet("max-new-tokens") {
		opts.MaxNewTokens = ptr(int(cmd.Int64("max-new-tokens")))
	}
	if cmd.IsSet("chunk") {
		opts.StreamingChunkSize = ptr(int(cmd.Int64("chunk")))
	}
	if cmd.IsSet("temp") {
		opts.Temperature = ptr(cmd.Float64("temp"))
	}
	if cmd.IsSet("top-k") {
		opts.TopK = ptr(int(cmd.Int64("top-k")))
	}
	if cmd.IsSet("top-p") {
		opts.TopP = ptr(cmd.Float64("top-p"))
	}
	if cmd.IsSet("min-p") {
		opts.MinP = ptr(cmd.Float64("min-p"))
	}
	if cmd.IsSet("repeat-penalty") {
		opts.RepeatPenalty = ptr(cmd.Float64("repeat-penalty"))
	}
	return opts
}

func ptr[T any](v T) *T { return &v }
