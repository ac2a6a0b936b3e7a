package data

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// Sampler draws random windows from a corpus. Each call to Next returns
// batch rows where targets[b][t] = inputs[b][t+1] in the source stream.
type Sampler struct {
	corpus *Corpus
	batch  int
	seqLen int
	rng    *rand.Rand
}

// NewSampler checks that the corpus holds at least seqLen+1 tokens.
func NewSampler(c *Corpus, batch, seqLen int, seed uint64) (*Sampler, error) {
	if batch <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("sampler: batch %d and seq_len %d must be positive", batch, seqLen)
	}
	if c.Len() < seqLen+1 {
		return nil, fmt.Errorf("sampler: %w: %d tokens, need %d", ErrCorpusTooShort, c.Len(), seqLen+1)
	}
	return &Sampler{corpus: c, batch: batch, seqLen: seqLen, rng: tensor.NewRand(seed)}, nil
}

// Next returns one (batch, seq_len) pair of inputs and targets.
func (s *Sampler) Next() (inputs, targets [][]int, err error) {
	ids := s.corpus.IDs
	inputs = make([][]int, s.batch)
	targets = make([][]int, s.batch)
	for b := range s.batch {
		start := s.rng.IntN(len(ids) - s.seqLen)
		inputs[b] = append([]int(nil), ids[start:start+s.seqLen]...)
		targets[b] = append([]int(nil), ids[start+1:start+s.seqLen+1]...)
	}
	return inputs, targets, nil
}

// BatchSize is the number of rows per batch.
func (s *Sampler) BatchSize() int { return s.batch }

// SeqLen is the window length.
func (s *Sampler) SeqLen() int { return s.seqLen }
