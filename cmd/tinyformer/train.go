package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tinyformer/internal/checkpoint"
	"github.com/samcharles93/tinyformer/internal/data"
	"github.com/samcharles93/tinyformer/internal/device"
	"github.com/samcharles93/tinyformer/internal/logger"
	"github.com/samcharles93/tinyformer/internal/logits"
	"github.com/samcharles93/tinyformer/internal/metrics"
	"github.com/samcharles93/tinyformer/internal/model"
	"github.com/samcharles93/tinyformer/internal/monitor"
	"github.com/samcharles93/tinyformer/internal/optim"
	"github.com/samcharles93/tinyformer/internal/tokenizer"
	"github.com/samcharles93/tinyformer/internal/train"
)

var (
	configPath    string
	dataPath      string
	tokenizerKind string
	vocabSize     int
	batchSize     int
	outDir        string
	seed          int64
	maxIters      int
	evalInterval  int
	evalIters     int
	runName       string
	runVersion    string
	learningRate  float64
	optimizerName string
	sampleTokens  int
	resume        bool
	monitorAddr   string
)

func trainCmd() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a model on a text corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to a YAML run file",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "path to a UTF-8 text corpus",
				Destination: &dataPath,
			},
			&cli.StringFlag{
				Name:        "tokenizer",
				Usage:       "tokenizer: bytes, bpe (trained on the corpus) or a tokenizer.json path",
				Value:       tokenizerBytes,
				Destination: &tokenizerKind,
			},
			&cli.IntFlag{
				Name:        "vocab-size",
				Usage:       "vocabulary size when training a bpe tokenizer",
				Value:       512,
				Destination: &vocabSize,
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Aliases:     []string{"b"},
				Usage:       "sequences per batch",
				Value:       16,
				Destination: &batchSize,
			},
			&cli.StringFlag{
				Name:        "out-dir",
				Aliases:     []string{"o"},
				Usage:       "checkpoint and metrics directory",
				Value:       "checkpoints",
				Destination: &outDir,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for weights, batches and the final sample",
				Value:       1337,
				Destination: &seed,
			},
			&cli.IntFlag{
				Name:        "max-iters",
				Usage:       "number of training steps",
				Value:       5000,
				Destination: &maxIters,
			},
			&cli.IntFlag{
				Name:        "eval-interval",
				Usage:       "steps between evaluations and checkpoints",
				Value:       500,
				Destination: &evalInterval,
			},
			&cli.IntFlag{
				Name:        "eval-iters",
				Usage:       "batches per split in each evaluation",
				Value:       200,
				Destination: &evalIters,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "model name used in checkpoint paths",
				Value:       "tinyformer",
				Destination: &runName,
			},
			&cli.StringFlag{
				Name:        "run-version",
				Usage:       "model version used in checkpoint paths",
				Value:       "v1",
				Destination: &runVersion,
			},
			&cli.Float64Flag{
				Name:        "lr",
				Usage:       "peak learning rate",
				Value:       3e-4,
				Destination: &learningRate,
			},
			&cli.StringFlag{
				Name:        "optimizer",
				Usage:       "optimizer (adamw, sgd)",
				Value:       "adamw",
				Destination: &optimizerName,
			},
			&cli.IntFlag{
				Name:        "sample-tokens",
				Usage:       "tokens to generate after training (0 disables)",
				Value:       200,
				Destination: &sampleTokens,
			},
			&cli.BoolFlag{
				Name:        "resume",
				Usage:       "continue from the latest checkpoint of name/run-version",
				Destination: &resume,
			},
			&cli.StringFlag{
				Name:        "monitor-addr",
				Usage:       "serve run metrics over HTTP on this address (e.g. :8090)",
				Destination: &monitorAddr,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rf, err := loadRunFile(configPath)
			if err != nil {
				return err
			}
			applyTrainFlags(cmd, &rf)
			if rf.Data.Path == "" {
				return errors.New("train: --data (or data.path in the run file) is required")
			}
			if err := rf.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrain(ctx, rf, resume, monitorAddr, cmd.Root().Writer)
		},
	}
}

func runTrain(ctx context.Context, rf RunFile, resume bool, addr string, out io.Writer) error {
	log := logger.FromContext(ctx)
	log.Info("device", device.Detect().LogAttrs()...)

	raw, err := os.ReadFile(rf.Data.Path)
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	text := string(raw)

	store := checkpoint.NewStore(rf.Data.OutDir, nil)
	var (
		m    *model.DecoderTransformer
		tok  tokenizer.Tokenizer
		from int
	)
	if resume {
		st, err := store.Load(rf.Train.Name, rf.Train.Version)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			log.Warn("nothing to resume, starting a new run", "dir", store.RunDir(rf.Train.Name, rf.Train.Version))
		case err != nil:
			return err
		default:
			if m, err = checkpoint.Restore(st); err != nil {
				return err
			}
			tok, from = st.Tokenizer, st.Next
			rf.Model = st.Config
			log.Info("resuming", "path", st.Path, "step", st.Step, "from", from, "previous_run", st.RunID)
		}
	}
	if m == nil {
		if tok, err = buildTokenizer(rf.Data, text); err != nil {
			return err
		}
		rf.Model.VocabSize = tok.VocabSize()
		if m, err = model.New(rf.Model); err != nil {
			return err
		}
	}
	store.Tokenizer = tok

	corpus, err := data.Encode(tok, text)
	if err != nil {
		return err
	}
	if id := corpus.MaxID(); id >= rf.Model.VocabSize {
		return fmt.Errorf("train: corpus token %d outside vocabulary of %d", id, rf.Model.VocabSize)
	}
	trainSet, testSet, err := corpus.Split(rf.Data.Split)
	if err != nil {
		return err
	}
	batchSeed := sampleSeed(rf.Data.Seed, from)
	trainSrc, err := data.NewSampler(trainSet, rf.Data.BatchSize, rf.Model.MaxSeqLen, batchSeed)
	if err != nil {
		return fmt.Errorf("train split: %w", err)
	}
	testSrc, err := data.NewSampler(testSet, rf.Data.BatchSize, rf.Model.MaxSeqLen, batchSeed+1)
	if err != nil {
		return fmt.Errorf("test split: %w", err)
	}
	log.Info("corpus", "path", rf.Data.Path, "tokens", corpus.Len(),
		"train", trainSet.Len(), "test", testSet.Len(), "vocab", tok.VocabSize(),
		"batch", trainSrc.BatchSize(), "seq_len", trainSrc.SeqLen())

	opt, err := optim.New(rf.Optimizer, m.Parameters())
	if err != nil {
		return err
	}

	runID := store.RunID.String()
	jsonl, err := metrics.CreateJSONL(
		filepath.Join(store.RunDir(rf.Train.Name, rf.Train.Version), "metrics-"+runID+".jsonl"), runID)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() { _ = jsonl.Close() }()
	rec := metrics.NewRecorder()
	sink := metrics.Multi{jsonl, metrics.LogSink{Log: log}, rec}

	if addr != "" {
		srv := monitor.NewServer(rec, monitor.RunInfo{
			RunID:     runID,
			Name:      rf.Train.Name,
			Version:   rf.Train.Version,
			Started:   time.Now(),
			MaxIters:  rf.Train.MaxIters,
			NumParams: m.NumParams(),
			Model:     m.Config(),
		})
		stopMonitor := startMonitor(ctx, log, srv, addr)
		defer stopMonitor()
	}

	tr, err := train.New(m, opt, trainSrc, testSrc, rf.Train,
		train.WithCheckpointer(store),
		train.WithSink(sink),
		train.WithLogger(log),
		train.WithSchedule(func(step int) float64 {
			return rf.Optimizer.LRAt(step, rf.Train.MaxIters)
		}),
	)
	if err != nil {
		return err
	}
	log.Info("run", "id", runID, "name", rf.Train.Name, "version", rf.Train.Version,
		"params", m.NumParams(), "optimizer", rf.Optimizer.Name)
	if _, err := tr.Train(ctx, from); err != nil {
		return err
	}

	if rf.Data.SampleTokens == 0 {
		return nil
	}
	s := logits.NewSampler(logits.SamplerConfig{Seed: rf.Data.Seed})
	sample, err := m.Generate([][]int{{testSet.IDs[0]}}, rf.Data.SampleTokens, s)
	if err != nil {
		return err
	}
	decoded, err := tok.Decode(sample[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, decoded)
	return err
}

// sampleSeed derives the batch sampler seed for a run starting at step from,
// so a resumed run draws fresh batches instead of replaying those of step 0.
// A run from step 0 uses seed unchanged.
func sampleSeed(seed uint64, from int) uint64 {
	if from == 0 {
		return seed
	}
	// splitmix64 finaliser over the seed and start step.
	z := seed + uint64(from)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// startMonitor serves srv until the returned function is called.
func startMonitor(ctx context.Context, log logger.Logger, srv *monitor.Server, addr string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, addr) }()
	log.Info("monitor listening", "addr", addr)
	return func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			log.Warn("monitor stopped", "error", err)
		}
	}
}

// buildTokenizer returns the tokenizer named by d.Tokenizer. A bpe
// tokenizer is trained on text.
func buildTokenizer(d DataConfig, text string) (tokenizer.Tokenizer, error) {
	switch d.Tokenizer {
	case "", tokenizerBytes:
		return tokenizer.Bytes{}, nil
	case tokenizerBPE:
		bpe, err := tokenizer.TrainBPE(text, d.VocabSize)
		if err != nil {
			return nil, fmt.Errorf("train tokenizer: %w", err)
		}
		return bpe, nil
	default:
		return tokenizer.LoadFile(d.Tokenizer)
	}
}
