// Package optim provides the update rules that consume parameter gradients
// and mutate parameter values.
package optim

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/tinyformer/internal/nn"
)

// ErrUnknownOptimizer is returned by New for an unsupported name.
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer applies one update to the parameters it was built over.
type Optimizer interface {
	// Step updates every parameter from its accumulated gradient.
	Step() error
	// ZeroGrad clears every gradient.
	ZeroGrad()
	// SetLR changes the learning rate used by later steps.
	SetLR(lr float64)
	LR() float64
}

// Settings selects and configures an optimizer.
type Settings struct {
	Name        string  `yaml:"name" json:"name"`
	LR          float64 `yaml:"lr" json:"lr"`
	Beta1       float64 `yaml:"beta1" json:"beta1"`
	Beta2       float64 `yaml:"beta2" json:"beta2"`
	Eps         float64 `yaml:"eps" json:"eps"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay"`
	Momentum    float64 `yaml:"momentum" json:"momentum"`
	// WarmupSteps and MinLR shape the learning-rate schedule.
	WarmupSteps int     `yaml:"warmup_steps" json:"warmup_steps"`
	Schedule    string  `yaml:"schedule" json:"schedule"`
	MinLR       float64 `yaml:"min_lr" json:"min_lr"`
}

// DefaultSettings is AdamW with lr 3e-4 and a constant schedule.
func DefaultSettings() Settings {
	return Settings{
		Name:        "adamw",
		LR:          3e-4,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 0.01,
		Schedule:    ScheduleConstant,
	}
}

// Validate checks the fields that apply to the selected optimizer.
func (s Settings) Validate() error {
	if !(s.LR > 0) || math.IsInf(s.LR, 0) {
		return fmt.Errorf("optimizer lr must be positive, got %g", s.LR)
	}
	if s.WeightDecay < 0 || s.WarmupSteps < 0 || s.MinLR < 0 {
		return fmt.Errorf("optimizer weight_decay, warmup_steps and min_lr must not be negative")
	}
	switch strings.ToLower(s.Name) {
	case "adamw", "adam":
		if s.Beta1 < 0 || s.Beta1 >= 1 || s.Beta2 < 0 || s.Beta2 >= 1 {
			return fmt.Errorf("adamw betas must be in [0, 1), got %g and %g", s.Beta1, s.Beta2)
		}
		if !(s.Eps > 0) {
			return fmt.Errorf("adamw eps must be positive, got %g", s.Eps)
		}
	case "sgd":
		if s.Momentum < 0 || s.Momentum >= 1 {
			return fmt.Errorf("sgd momentum must be in [0, 1), got %g", s.Momentum)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownOptimizer, s.Name)
	}
	switch s.Schedule {
	case "", ScheduleConstant, ScheduleCosine:
	default:
		return fmt.Errorf("unknown lr schedule %q", s.Schedule)
	}
	return nil
}

// New builds the optimizer named by s over params.
func New(s Settings, params []*nn.Param) (Optimizer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(s.Name) {
	case "sgd":
		return NewSGD(params, s.LR, s.Momentum, s.WeightDecay), nil
	default:
		return NewAdamW(params, s.LR, s.Beta1, s.Beta2, s.Eps, s.WeightDecay), nil
	}
}
