package metrics

import (
	"github.com/samcharles93/tinyformer/internal/logger"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

// LogSink writes every metric at debug level. Histograms are reduced to
// their moments and range.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Scalar(name string, value float64, step int) error {
	s.Log.Debug("metric", "name", name, "step", step, "value", value)
	return nil
}

func (s LogSink) Histogram(name string, t *tensor.Tensor, step int) error {
	h := Summarize(t.Data, 1)
	s.Log.Debug("histogram", "name", name, "step", step,
		"mean", h.Mean, "std", h.Std, "min", h.Min, "max", h.Max, "non_finite", h.NonFinite)
	return nil
}
