package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tinyformer/internal/checkpoint"
	"github.com/samcharles93/tinyformer/internal/logger"
	"github.com/samcharles93/tinyformer/internal/logits"
)

func generateCmd() *cli.Command {
	var (
		ckptPath    string
		prompt      string
		tokens      int
		genSeed     int64
		temperature float64
		topK        int
		topP        float64
	)
	return &cli.Command{
		Name:  "generate",
		Usage: "Sample text from a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to a step_N.safetensors checkpoint",
				Required:    true,
				Destination: &ckptPath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "text to continue; empty starts from token 0",
				Destination: &prompt,
			},
			&cli.IntFlag{
				Name:        "tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       200,
				Destination: &tokens,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Value:       1337,
				Destination: &genSeed,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp", "t"},
				Usage:       "softmax temperature (negative for greedy)",
				Value:       1.0,
				Destination: &temperature,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "keep only the k most likely tokens (0 = all)",
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus sampling mass (0 or 1 disables)",
				Destination: &topP,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if tokens < 0 {
				return errors.New("generate: --tokens must not be negative")
			}
			st, err := checkpoint.LoadFile(ckptPath)
			if err != nil {
				return err
			}
			m, err := checkpoint.Restore(st)
			if err != nil {
				return err
			}
			log.Debug("checkpoint loaded", "path", st.Path, "step", st.Step, "params", m.NumParams())

			ids := []int{0}
			if prompt != "" {
				if ids, err = st.Tokenizer.Encode(prompt); err != nil {
					return err
				}
			}
			s := logits.NewSampler(logits.SamplerConfig{
				Seed:        uint64(genSeed),
				Temperature: float32(temperature),
				TopK:        topK,
				TopP:        float32(topP),
			})
			out, err := m.Generate([][]int{ids}, tokens, s)
			if err != nil {
				return err
			}
			seq := out[0]
			if prompt == "" {
				seq = seq[1:]
			}
			text, err := st.Tokenizer.Decode(seq)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, text)
			return err
		},
	}
}
