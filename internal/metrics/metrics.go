// Package metrics records training scalars and parameter histograms. A Sink
// receives them; JSONL, LogSink, Recorder and Multi are the implementations.
package metrics

import (
	"errors"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// DefaultBins is the bucket count used by Summarize.
const DefaultBins = 16

// Sink receives metrics keyed by name and training step.
type Sink interface {
	Scalar(name string, value float64, step int) error
	Histogram(name string, t *tensor.Tensor, step int) error
}

// Kinds of Record.
const (
	KindScalar    = "scalar"
	KindHistogram = "histogram"
)

// Record is one emitted metric.
type Record struct {
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id,omitempty"`
	Kind  string    `json:"kind"`
	Name  string    `json:"name"`
	Step  int       `json:"step"`
	Value float64   `json:"value"`
	Hist  *Summary  `json:"histogram,omitempty"`
}

// Summary condenses a tensor into moments and fixed-width buckets.
// NonFinite counts NaN and Inf values, which are left out of everything
// else.
type Summary struct {
	Count     int       `json:"count"`
	NonFinite int       `json:"non_finite,omitempty"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Edges     []float64 `json:"edges,omitempty"`
	Counts    []float64 `json:"counts,omitempty"`
}

// Summarize builds a Summary of values with the given number of buckets.
// The last bucket is closed on the right so the maximum is counted.
func Summarize(values []float32, bins int) Summary {
	if bins <= 0 {
		bins = DefaultBins
	}
	x := make([]float64, 0, len(values))
	var s Summary
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			s.NonFinite++
			continue
		}
		x = append(x, f)
	}
	s.Count = len(x)
	if s.Count == 0 {
		return s
	}
	slices.Sort(x)
	s.Mean, s.Std = stat.MeanStdDev(x, nil)
	if s.Count == 1 {
		s.Std = 0
	}
	s.Min, s.Max = floats.Min(x), floats.Max(x)

	hi := math.Nextafter(s.Max, math.Inf(1))
	if s.Min == s.Max {
		bins = 1
	}
	s.Edges = make([]float64, bins+1)
	floats.Span(s.Edges, s.Min, hi)
	s.Edges[bins] = hi
	if !increasing(s.Edges) {
		// Range too narrow to split into distinct float64 edges.
		s.Edges = []float64{s.Min, hi}
	}
	s.Counts = stat.Histogram(nil, s.Edges, x, nil)
	return s
}

func increasing(x []float64) bool {
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			return false
		}
	}
	return true
}

// Multi fans every call out to each sink and joins their errors.
type Multi []Sink

func (m Multi) Scalar(name string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Scalar(name, value, step))
	}
	return errors.Join(errs...)
}

func (m Multi) Histogram(name string, t *tensor.Tensor, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Histogram(name, t, step))
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Scalar(string, float64, int) error          { return nil }
func (Discard) Histogram(string, *tensor.Tensor, int) error { return nil }
