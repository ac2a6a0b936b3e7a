package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid model config")

// Positional encoder kinds.
const (
	PositionalLearned    = "learned"
	PositionalSinusoidal = "sinusoidal"
)

// Config describes the shape of a DecoderTransformer.
type Config struct {
	VocabSize    int     `yaml:"vocab_size" json:"vocab_size"`
	MaxSeqLen    int     `yaml:"max_seq_len" json:"max_seq_len"`
	ModelSize    int     `yaml:"model_size" json:"model_size"`
	Heads        int     `yaml:"heads" json:"heads"`
	Layers       int     `yaml:"layers" json:"layers"`
	FFMult       int     `yaml:"ff_mult" json:"ff_mult"`
	Dropout      float32 `yaml:"dropout" json:"dropout"`
	Bias         bool    `yaml:"bias" json:"bias"`
	Positional   string  `yaml:"positional" json:"positional"`
	LayerNormEps float32 `yaml:"layer_norm_eps" json:"layer_norm_eps"`
	Seed         uint64  `yaml:"seed" json:"seed"`
}

// DefaultConfig returns a small byte-level model.
func DefaultConfig() Config {
	return Config{
		VocabSize:    256,
		MaxSeqLen:    64,
		ModelSize:    64,
		Heads:        4,
		Layers:       2,
		FFMult:       4,
		Dropout:      0.1,
		Bias:         true,
		Positional:   PositionalLearned,
		LayerNormEps: 1e-5,
		Seed:         1337,
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"max_seq_len", c.MaxSeqLen},
		{"model_size", c.ModelSize},
		{"heads", c.Heads},
		{"layers", c.Layers},
		{"ff_mult", c.FFMult},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.ModelSize%c.Heads != 0 {
		return fmt.Errorf("%w: model_size %d is not divisible by heads %d", ErrInvalidConfig, c.ModelSize, c.Heads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 || math.IsNaN(float64(c.Dropout)) {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrInvalidConfig, c.Dropout)
	}
	if !(c.LayerNormEps > 0) {
		return fmt.Errorf("%w: layer_norm_eps must be positive, got %g", ErrInvalidConfig, c.LayerNormEps)
	}
	switch c.Positional {
	case PositionalLearned, PositionalSinusoidal:
	default:
		return fmt.Errorf("%w: positional must be %q or %q, got %q", ErrInvalidConfig, PositionalLearned, PositionalSinusoidal, c.Positional)
	}
	return nil
}

// HeadDim is ModelSize / Heads.
func (c Config) HeadDim() int {
	return c.ModelSize / c.Heads
}
