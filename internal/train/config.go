package train

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every Config validation error.
var ErrInvalidConfig = errors.New("invalid trainer config")

// Config controls the loop. Name and Version identify the run to the
// checkpointer, which receives a save at every evaluation. SaveModel adds
// the save after the last step.
type Config struct {
	Name         string `yaml:"name" json:"name"`
	Version      string `yaml:"version" json:"version"`
	MaxIters     int    `yaml:"max_iters" json:"max_iters"`
	EvalInterval int    `yaml:"eval_interval" json:"eval_interval"`
	EvalIters    int    `yaml:"eval_iters" json:"eval_iters"`
	SaveModel    bool   `yaml:"save_model" json:"save_model"`
	// Histograms emits a histogram of every parameter at each evaluation.
	Histograms bool `yaml:"histograms" json:"histograms"`
	// LogInterval emits per-step loss, learning rate and gradient norm
	// every LogInterval steps; 0 disables.
	LogInterval int `yaml:"log_interval" json:"log_interval"`
	// ClipNorm bounds the global gradient norm; 0 disables.
	ClipNorm float64 `yaml:"clip_norm" json:"clip_norm"`
}

func DefaultConfig() Config {
	return Config{
		Name:         "tinyformer",
		Version:      "v1",
		MaxIters:     5000,
		EvalInterval: 500,
		EvalIters:    200,
		SaveModel:    true,
		Histograms:   true,
		LogInterval:  100,
		ClipNorm:     1.0,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxIters < 0:
		return fmt.Errorf("%w: max_iters %d is negative", ErrInvalidConfig, c.MaxIters)
	case c.EvalInterval <= 0:
		return fmt.Errorf("%w: eval_interval must be positive, got %d", ErrInvalidConfig, c.EvalInterval)
	case c.EvalIters <= 0:
		return fmt.Errorf("%w: eval_iters must be positive, got %d", ErrInvalidConfig, c.EvalIters)
	case c.LogInterval < 0:
		return fmt.Errorf("%w: log_interval %d is negative", ErrInvalidConfig, c.LogInterval)
	case c.ClipNorm < 0:
		return fmt.Errorf("%w: clip_norm %v is negative", ErrInvalidConfig, c.ClipNorm)
	case c.Name == "" || c.Version == "":
		return fmt.Errorf("%w: name and version are required", ErrInvalidConfig)
	}
	return nil
}
