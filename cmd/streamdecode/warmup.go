package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

func warmupCmd() *cli.Command {
	var (
		batch        int64
		promptLength int64
	)
	return &cli.Command{
		Name:  "warmup",
		Usage: "Build the plans for one shape and report the build time",
		Flags: append(append(modelFlags(), generationFlags()...),
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "batch size",
				Value:       1,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "prompt-length",
				Aliases:     []string{"s"},
				Usage:       "prompt length (0 = longest prompt the model accepts)",
				Destination: &promptLength,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			engine, _, err := buildEngine(ctx, cmd, nil)
			if err != nil {
				return err
			}
			start := time.Now()
			outcome, err := engine.Specialize(ctx, int(batch), int(promptLength))
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			for _, k := range engine.Plans() {
				fmt.Printf("%s\t%s\t%s\n", k, outcome, elapsed.Round(time.Microsecond))
			}
			return nil
		},
	}
}
