package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tinyformer/internal/model"
	"github.com/samcharles93/tinyformer/internal/optim"
	"github.com/samcharles93/tinyformer/internal/train"
)

// Tokenizer kinds accepted by data.tokenizer. Anything else is read as a
// path to a tokenizer.json file.
const (
	tokenizerBytes = "bytes"
	tokenizerBPE   = "bpe"
)

// RunFile is the YAML run description passed with --config. Sections that
// are absent keep their defaults; unknown keys are rejected.
type RunFile struct {
	Model     model.Config   `yaml:"model" json:"model"`
	Optimizer optim.Settings `yaml:"optimizer" json:"optimizer"`
	Train     train.Config   `yaml:"train" json:"train"`
	Data      DataConfig     `yaml:"data" json:"data"`
}

// DataConfig describes the corpus and how it is batched. Sequence length is
// the model's max_seq_len.
type DataConfig struct {
	Path      string  `yaml:"path" json:"path"`
	Tokenizer string  `yaml:"tokenizer" json:"tokenizer"`
	VocabSize int     `yaml:"vocab_size" json:"vocab_size"`
	BatchSize int     `yaml:"batch_size" json:"batch_size"`
	Split     float64 `yaml:"split" json:"split"`
	Seed      uint64  `yaml:"seed" json:"seed"`
	OutDir    string  `yaml:"out_dir" json:"out_dir"`
	// SampleTokens is the length of the sample printed after training.
	SampleTokens int `yaml:"sample_tokens" json:"sample_tokens"`
}

func defaultRunFile() RunFile {
	return RunFile{
		Model:     model.DefaultConfig(),
		Optimizer: optim.DefaultSettings(),
		Train:     train.DefaultConfig(),
		Data: DataConfig{
			Tokenizer:    tokenizerBytes,
			VocabSize:    512,
			BatchSize:    16,
			Split:        0.9,
			Seed:         1337,
			OutDir:       "checkpoints",
			SampleTokens: 200,
		},
	}
}

// loadRunFile decodes path over the defaults. An empty path returns the
// defaults.
func loadRunFile(path string) (RunFile, error) {
	rf := defaultRunFile()
	if path == "" {
		return rf, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rf, fmt.Errorf("read run file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return rf, fmt.Errorf("parse run file %s: %w", path, err)
	}
	return rf, nil
}

// Validate checks every section. The model vocabulary is checked after the
// tokenizer is known, so it is not checked here.
func (rf RunFile) Validate() error {
	if err := rf.Optimizer.Validate(); err != nil {
		return err
	}
	if err := rf.Train.Validate(); err != nil {
		return err
	}
	d := rf.Data
	switch {
	case d.BatchSize <= 0:
		return fmt.Errorf("data: batch_size must be positive, got %d", d.BatchSize)
	case !(d.Split > 0 && d.Split < 1):
		return fmt.Errorf("data: split %v outside (0, 1)", d.Split)
	case d.Tokenizer == tokenizerBPE && d.VocabSize <= 256:
		return fmt.Errorf("data: bpe vocab_size must exceed 256, got %d", d.VocabSize)
	case d.SampleTokens < 0:
		return fmt.Errorf("data: sample_tokens %d is negative", d.SampleTokens)
	}
	return nil
}

type flagSet interface {
	IsSet(name string) bool
}

// applyTrainFlags overrides run file values with the train flags that were
// set explicitly.
func applyTrainFlags(c flagSet, rf *RunFile) {
	if c.IsSet("data") {
		rf.Data.Path = dataPath
	}
	if c.IsSet("tokenizer") {
		rf.Data.Tokenizer = tokenizerKind
	}
	if c.IsSet("vocab-size") {
		rf.Data.VocabSize = vocabSize
	}
	if c.IsSet("batch-size") {
		rf.Data.BatchSize = batchSize
	}
	if c.IsSet("out-dir") {
		rf.Data.OutDir = outDir
	}
	if c.IsSet("seed") {
		rf.Data.Seed = uint64(seed)
		rf.Model.Seed = uint64(seed)
	}
	if c.IsSet("max-iters") {
		rf.Train.MaxIters = maxIters
	}
	if c.IsSet("eval-interval") {
		rf.Train.EvalInterval = evalInterval
	}
	if c.IsSet("eval-iters") {
		rf.Train.EvalIters = evalIters
	}
	if c.IsSet("name") {
		rf.Train.Name = runName
	}
	if c.IsSet("run-version") {
		rf.Train.Version = runVersion
	}
	if c.IsSet("lr") {
		rf.Optimizer.LR = learningRate
	}
	if c.IsSet("optimizer") {
		rf.Optimizer.Name = optimizerName
	}
	if c.IsSet("sample-tokens") {
		rf.Data.SampleTokens = sampleTokens
	}
}
