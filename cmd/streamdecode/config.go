package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/streamdecode/internal/inference"
)

// Config is the streamdecode configuration file. Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	// Generation defaults
	MaxNewTokens       *int     `yaml:"max_new_tokens"`
	StreamingChunkSize *int     `yaml:"streaming_chunk_size"`
	PadTokenID         *int     `yaml:"pad_token_id"`
	EOSTokenIDs        []int    `yaml:"eos_token_ids"`
	Temperature        *float64 `yaml:"temperature"`
	TopK               *int     `yaml:"top_k"`
	TopP               *float64 `yaml:"top_p"`
	MinP               *float64 `yaml:"min_p"`
	RepeatPenalty      *float64 `yaml:"repeat_penalty"`
	Seed               *int64   `yaml:"seed"`

	// Model
	Vocab        *int64         `yaml:"vocab"`
	Hidden       *int64         `yaml:"hidden"`
	MaxPositions *int64         `yaml:"max_positions"`
	BuildTimeout *time.Duration `yaml:"build_timeout"`

	// Server
	ServerAddress string        `yaml:"server_address"`
	WarmupShapes  []WarmupShape `yaml:"warmup_shapes"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WarmupShape is a plan shape built before the server accepts requests. A
// zero prompt length means the engine's prefill length.
type WarmupShape struct {
	Batch        int `yaml:"batch"`
	PromptLength int `yaml:"prompt_length"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "streamdecode", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Vocab != nil && !c.IsSet("vocab") {
		vocabSize = *cfg.Vocab
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		hiddenSize = *cfg.Hidden
	}
	if cfg.MaxPositions != nil && !c.IsSet("max-positions") {
		maxPositions = *cfg.MaxPositions
	}
	if cfg.BuildTimeout != nil && !c.IsSet("build-timeout") {
		buildTimeout = *cfg.BuildTimeout
	}
}

// generationOptions layers explicit flags over the config file. Fields the
// config has no opinion on stay nil and fall through to built-in defaults.
func generationOptions(c *cli.Command, cfg Config) (inference.RequestOptions, inference.GenDefaults) {
	opts := requestOptions(c)
	if opts.StreamingChunkSize == nil {
		opts.StreamingChunkSize = cfg.StreamingChunkSize
	}
	if opts.MinP == nil {
		opts.MinP = cfg.MinP
	}
	opts.PadTokenID = cfg.PadTokenID
	opts.EOSTokenIDs = cfg.EOSTokenIDs

	defaults := inference.GenDefaults{
		MaxNewTokens:      cfg.MaxNewTokens,
		Temperature:       cfg.Temperature,
		TopK:              cfg.TopK,
		TopP:              cfg.TopP,
		RepetitionPenalty: cfg.RepeatPenalty,
	}
	return opts, defaults
}

func engineSeed(c *cli.Command, cfg Config) int64 {
	if c.IsSet("seed") {
		return c.Int64("seed")
	}
	if cfg.Seed != nil {
		return *cfg.Seed
	}
	return time.Now().UnixNano()
}
