// Package checkpoint saves and restores model weights as safetensors files.
// A checkpoint for model name at version v and step s lives at
// <dir>/<name>_<v>/step_<s>.safetensors; its metadata carries the model
// config, the step, the step training resumes at, the run id and,
// optionally, the tokenizer.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/tinyformer/internal/model"
	"github.com/samcharles93/tinyformer/internal/safetensors"
	"github.com/samcharles93/tinyformer/internal/tensor"
	"github.com/samcharles93/tinyformer/internal/tokenizer"
)

// ErrNoCheckpoint is returned by Load when a run directory has no steps.
var ErrNoCheckpoint = errors.New("no checkpoint")

const (
	formatName = "tinyformer"

	metaFormat    = "format"
	metaConfig    = "config"
	metaStep      = "step"
	metaNextStep  = "next_step"
	metaRunID     = "run_id"
	metaName      = "name"
	metaVersion   = "version"
	metaTokenizer = "tokenizer"
)

var stepFile = regexp.MustCompile(`^step_(\d+)\.safetensors$`)

// State is everything read back from one checkpoint file.
type State struct {
	Path      string
	Config    model.Config
	Step      int
	// Next is the first step a resumed run should execute: Step for a
	// checkpoint taken before step Step ran, Step+1 for one taken after.
	Next      int
	RunID     string
	Name      string
	Version   string
	Tokenizer tokenizer.Tokenizer
	Tensors   map[string]*tensor.Tensor
}

// Store writes checkpoints under Dir. RunID is recorded in every file it
// writes. Tokenizer, when set, is embedded as tokenizer.json.
type Store struct {
	Dir       string
	RunID     uuid.UUID
	Tokenizer tokenizer.Tokenizer
}

// NewStore returns a store with a fresh run id.
func NewStore(dir string, tok tokenizer.Tokenizer) *Store {
	return &Store{Dir: dir, RunID: uuid.New(), Tokenizer: tok}
}

// RunDir is the directory holding every step of name at version.
func (s *Store) RunDir(name, version string) string {
	return filepath.Join(s.Dir, name+"_"+version)
}

// Save writes every parameter of m under step and returns the file path.
// next is the step a resumed run starts at and must be step or step+1.
func (s *Store) Save(m *model.DecoderTransformer, name, version string, step, next int) (string, error) {
	if name == "" || version == "" {
		return "", fmt.Errorf("checkpoint: empty model name or version")
	}
	if step < 0 {
		return "", fmt.Errorf("checkpoint: negative step %d", step)
	}
	if next != step && next != step+1 {
		return "", fmt.Errorf("checkpoint: next step %d for step %d", next, step)
	}
	cfg, err := json.Marshal(m.Config())
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode config: %w", err)
	}
	meta := map[string]string{
		metaFormat:   formatName,
		metaConfig:   string(cfg),
		metaStep:     strconv.Itoa(step),
		metaNextStep: strconv.Itoa(next),
		metaRunID:    s.RunID.String(),
		metaName:     name,
		metaVersion:  version,
	}
	if s.Tokenizer != nil {
		tok, err := tokenizer.Marshal(s.Tokenizer)
		if err != nil {
			return "", fmt.Errorf("checkpoint: %w", err)
		}
		meta[metaTokenizer] = string(tok)
	}

	params := m.Parameters()
	tensors := make([]safetensors.Tensor, len(params))
	for i, p := range params {
		tensors[i] = safetensors.Tensor{Name: p.Name, Shape: p.Value.Shape, Data: p.Value.Data}
	}

	dir := s.RunDir(name, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("step_%d.safetensors", step))
	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return "", fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return path, nil
}

// Latest returns the path and step of the highest step saved for name at
// version.
func (s *Store) Latest(name, version string) (string, int, error) {
	dir := s.RunDir(name, version)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
	}
	if err != nil {
		return "", 0, err
	}
	best, path := -1, ""
	for _, e := range entries {
		m := stepFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if step > best {
			best, path = step, filepath.Join(dir, e.Name())
		}
	}
	if best < 0 {
		return "", 0, fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
	}
	return path, best, nil
}

// Load reads the latest checkpoint of name at version.
func (s *Store) Load(name, version string) (*State, error) {
	path, _, err := s.Latest(name, version)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads one checkpoint file. Tensors are copied out of the mapping.
// Files without tokenizer metadata use the byte tokenizer.
func LoadFile(path string) (*State, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	meta := f.Metadata
	if meta[metaFormat] != formatName {
		return nil, fmt.Errorf("checkpoint: %s: format %q, want %q", path, meta[metaFormat], formatName)
	}
	st := &State{
		Path:      path,
		RunID:     meta[metaRunID],
		Name:      meta[metaName],
		Version:   meta[metaVersion],
		Tokenizer: tokenizer.Bytes{},
		Tensors:   make(map[string]*tensor.Tensor, len(f.Tensors)),
	}
	if err := json.Unmarshal([]byte(meta[metaConfig]), &st.Config); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: config: %w", path, err)
	}
	if st.Step, err = strconv.Atoi(meta[metaStep]); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: step: %w", path, err)
	}
	if st.Next, err = strconv.Atoi(meta[metaNextStep]); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: next step: %w", path, err)
	}
	if raw, ok := meta[metaTokenizer]; ok {
		if st.Tokenizer, err = tokenizer.Unmarshal([]byte(raw)); err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
		}
	}
	for _, name := range f.Names() {
		data, info, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", path, err)
		}
		t, err := tensor.FromSlice(data, info.Shape...)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %s: %w", path, name, err)
		}
		st.Tensors[name] = t
	}
	return st, nil
}

// Apply copies st's tensors into m. Every parameter of m must be present
// with the same shape; extra tensors are an error too.
func Apply(m *model.DecoderTransformer, st *State) error {
	params := m.Parameters()
	if len(st.Tensors) != len(params) {
		return fmt.Errorf("checkpoint: %d tensors for %d parameters", len(st.Tensors), len(params))
	}
	for _, p := range params {
		t, ok := st.Tensors[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint: missing parameter %s", p.Name)
		}
		if !tensor.SameShape(t.Shape, p.Value.Shape) {
			return fmt.Errorf("checkpoint: %w", tensor.Mismatch(p.Name, p.Value.Shape, t.Shape))
		}
	}
	for _, p := range params {
		copy(p.Value.Data, st.Tensors[p.Name].Data)
	}
	return nil
}

// Restore builds a model from st.Config and applies its weights. The model
// is returned in evaluation mode.
func Restore(st *State) (*model.DecoderTransformer, error) {
	m, err := model.New(st.Config)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if err := Apply(m, st); err != nil {
		return nil, err
	}
	m.SetTraining(false)
	return m, nil
}
