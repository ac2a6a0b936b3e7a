package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/tinyformer/internal/checkpoint"
	"github.com/samcharles93/tinyformer/internal/data"
	"github.com/samcharles93/tinyformer/internal/logger"
	"github.com/samcharles93/tinyformer/internal/model"
)

func evalCmd() *cli.Command {
	var (
		ckptPath  string
		corpus    string
		batches   int
		evalBatch int
		evalSeed  int64
	)
	return &cli.Command{
		Name:  "eval",
		Usage: "Report the mean loss of a checkpoint on a text corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to a step_N.safetensors checkpoint",
				Required:    true,
				Destination: &ckptPath,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "path to a UTF-8 text corpus",
				Required:    true,
				Destination: &corpus,
			},
			&cli.IntFlag{
				Name:        "batches",
				Usage:       "number of random batches to average",
				Value:       50,
				Destination: &batches,
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "sequences per batch",
				Value:       16,
				Destination: &evalBatch,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "batch sampling seed",
				Value:       1337,
				Destination: &evalSeed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if batches <= 0 {
				return fmt.Errorf("eval: --batches must be positive, got %d", batches)
			}
			st, err := checkpoint.LoadFile(ckptPath)
			if err != nil {
				return err
			}
			m, err := checkpoint.Restore(st)
			if err != nil {
				return err
			}
			c, err := data.LoadText(corpus, st.Tokenizer)
			if err != nil {
				return err
			}
			src, err := data.NewSampler(c, evalBatch, st.Config.MaxSeqLen, uint64(evalSeed))
			if err != nil {
				return err
			}
			losses := make([]float64, batches)
			for i := range losses {
				if err := ctx.Err(); err != nil {
					return err
				}
				x, y, err := src.Next()
				if err != nil {
					return err
				}
				out, err := m.Forward(x)
				if err != nil {
					return err
				}
				if losses[i], _, err = model.CrossEntropy(out, y); err != nil {
					return err
				}
			}
			mean, std := stat.MeanStdDev(losses, nil)
			log.Debug("evaluated", "checkpoint", st.Path, "step", st.Step, "tokens", c.Len())
			_, err = fmt.Fprintf(cmd.Root().Writer, "loss: %.4f (std %.4f over %d batches, step %d)\n",
				mean, std, batches, st.Step)
			return err
		},
	}
}
