package optim

import "math"

// Learning-rate schedules.
const (
	ScheduleConstant = "constant"
	ScheduleCosine   = "cosine"
)

// LRAt returns the learning rate for step out of total: linear warmup over
// WarmupSteps, then either the base rate or a cosine decay to MinLR.
func (s Settings) LRAt(step, total int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.LR * float64(step+1) / float64(s.WarmupSteps)
	}
	if s.Schedule != ScheduleCosine || total <= s.WarmupSteps {
		return s.LR
	}
	progress := float64(step-s.WarmupSteps) / float64(total-s.WarmupSteps)
	progress = min(max(progress, 0), 1)
	return s.MinLR + (s.LR-s.MinLR)*0.5*(1+math.Cos(math.Pi*progress))
}
