package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		prompts    []string
		system     string
		outputMode string
	)
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate from one or more prompts and stream the snapshots",
		Flags: append(append(modelFlags(), generationFlags()...),
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text; repeat for a batch",
				Destination: &prompts,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "optional system prompt; switches to the chat template",
				Destination: &system,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output mode (text, json, quiet)",
				Value:       string(OutputText),
				Destination: &outputMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if len(prompts) == 0 {
				return errors.New("at least one --prompt is required")
			}
			mode, err := ParseOutputMode(outputMode)
			if err != nil {
				return err
			}
			engine, _, err := buildEngine(ctx, cmd, nil)
			if err != nil {
				return err
			}
			in, err := encodePrompts(engine, prompts, system)
			if err != nil {
				return err
			}

			out := NewSnapshotWriter(os.Stdout, mode, engine)
			start := time.Now()
			snapshots := 0
			var last decode.State
			for st, err := range engine.Generate(ctx, in) {
				if err != nil {
					return err
				}
				if err := out.Write(st); err != nil {
					return err
				}
				last = st
				snapshots++
			}
			if err := out.Close(last); err != nil {
				return err
			}
			log.Info("generation finished",
				"rows", last.BatchSize(),
				"snapshots", snapshots,
				"generated", last.GeneratedTokens,
				"elapsed", time.Since(start),
			)
			return nil
		},
	}
}

// encodePrompts tokenizes prompts and left-pads them into one batch. With a
// system prompt every row is rendered through the chat template.
func encodePrompts(engine *inference.Engine, prompts []string, system string) (decode.Inputs, error) {
	rows := make([][]int, len(prompts))
	for i, p := range prompts {
		var (
			ids []int
			err error
		)
		if strings.TrimSpace(system) != "" {
			ids, err = engine.EncodeChat([]inference.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: p},
			})
		} else {
			ids, err = engine.Encode(p)
		}
		if err != nil {
			return decode.Inputs{}, fmt.Errorf("prompt %d: %w", i, err)
		}
		rows[i] = ids
	}
	return decode.LeftPad(rows, engine.Config().Pad())
}
