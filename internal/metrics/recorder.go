package metrics

import (
	"slices"
	"sync"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Point is one scalar observation.
type Point struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// Recorder keeps every scalar series and the latest summary of every
// histogram in memory. It is safe for concurrent use; the monitor reads it
// while the trainer writes.
type Recorder struct {
	mu     sync.RWMutex
	series map[string][]Point
	hists  map[string]HistogramPoint
}

// HistogramPoint is the latest Summary of a histogram series.
type HistogramPoint struct {
	Step    int     `json:"step"`
	Summary Summary `json:"summary"`
}

func NewRecorder() *Recorder {
	return &Recorder{series: make(map[string][]Point), hists: make(map[string]HistogramPoint)}
}

func (r *Recorder) Scalar(name string, value float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series[name] = append(r.series[name], Point{Step: step, Value: value})
	return nil
}

func (r *Recorder) Histogram(name string, t *tensor.Tensor, step int) error {
	s := Summarize(t.Data, DefaultBins)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists[name] = HistogramPoint{Step: step, Summary: s}
	return nil
}

// Names returns the scalar series names in sorted order.
func (r *Recorder) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.series))
	for n := range r.series {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Series returns a copy of one scalar series.
func (r *Recorder) Series(name string) ([]Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[name]
	return slices.Clone(s), ok
}

// Latest returns the last point of every scalar series.
func (r *Recorder) Latest() map[string]Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Point, len(r.series))
	for n, s := range r.series {
		out[n] = s[len(s)-1]
	}
	return out
}

// Histograms returns the latest summary of every histogram series.
func (r *Recorder) Histograms() map[string]HistogramPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HistogramPoint, len(r.hists))
	for n, h := range r.hists {
		out[n] = h
	}
	return out
}
