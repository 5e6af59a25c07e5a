package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logger"
	"github.com/samcharles93/streamdecode/internal/logits"
	"github.com/samcharles93/streamdecode/internal/plancache"
	"github.com/samcharles93/streamdecode/internal/toy"
)

// buildEngine assembles a toy model, its byte tokenizer and a sampler into an
// engine. recFor, when set, supplies the recorder for the engine name.
func buildEngine(ctx context.Context, cmd *cli.Command, recFor func(name string) inference.Recorder) (*inference.Engine, Config, error) {
	log := logger.FromContext(ctx)
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return nil, cfg, err
	}
	applyModelConfig(cmd, cfg)

	if vocabSize < toy.ByteVocab {
		return nil, cfg, fmt.Errorf("--vocab %d is smaller than the byte tokenizer's %d ids", vocabSize, toy.ByteVocab)
	}
	model, err := toy.New(toy.Config{
		Vocab:        int(vocabSize),
		Hidden:       int(hiddenSize),
		MaxPositions: int(maxPositions),
		CompileDelay: compileDelay,
	})
	if err != nil {
		return nil, cfg, err
	}
	weights := toy.NewWeights(int(vocabSize), int(hiddenSize), weightsSeed)

	opts, defaults := generationOptions(cmd, cfg)
	genCfg := inference.ResolveConfig(opts, defaults)

	name := inference.DefaultName(model)
	var rec inference.Recorder
	if recFor != nil {
		rec = recFor(name)
	}
	engine, err := inference.New(inference.Options{
		Model:     model,
		Params:    weights,
		Selector:  logits.Sampler{},
		Config:    genCfg,
		Tokenizer: toy.ByteTokenizer{},
		Recorder:  rec,
		Logger:    log,
		Seed:      engineSeed(cmd, cfg),
		Name:      name,
		Cache:     plancache.Options{WaitTimeout: buildTimeout},
	})
	if err != nil {
		return nil, cfg, err
	}
	c := engine.Config()
	log.Info("engine ready",
		"engine", engine.Name(),
		"params", weights.NumParams(),
		"max_new_tokens", c.MaxNewTokens,
		"chunk", c.StreamingChunkSize,
		"temperature", c.Temperature,
	)
	return engine, cfg, nil
}
