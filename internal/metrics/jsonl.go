package metrics

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// JSONL writes one Record per line.
type JSONL struct {
	RunID string
	Bins  int

	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	now    func() time.Time
}

// NewJSONL writes records to w.
func NewJSONL(w io.Writer, runID string) *JSONL {
	return &JSONL{RunID: runID, Bins: DefaultBins, enc: json.NewEncoder(w), now: time.Now}
}

// CreateJSONL creates (or truncates) path, making parent directories as
// needed. Close the sink to close the file.
func CreateJSONL(path, runID string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	j := NewJSONL(f, runID)
	j.closer = f
	return j, nil
}

func (j *JSONL) Scalar(name string, value float64, step int) error {
	return j.write(Record{Kind: KindScalar, Name: name, Step: step, Value: value})
}

func (j *JSONL) Histogram(name string, t *tensor.Tensor, step int) error {
	s := Summarize(t.Data, j.Bins)
	return j.write(Record{Kind: KindHistogram, Name: name, Step: step, Hist: &s})
}

func (j *JSONL) write(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	r.Time = j.now().UTC()
	r.RunID = j.RunID
	return j.enc.Encode(r)
}

// Close closes the underlying file when the sink owns one.
func (j *JSONL) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
