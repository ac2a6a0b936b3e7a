package model

import (
	"fmt"

	"github.com/samcharles93/tinyformer/internal/nn"
)

// Sampler picks the next token from the logits of the last position. The
// logits.Sampler implementation applies softmax and draws by weight.
type Sampler interface {
	Sample(logits []float32) int
}

// Generate extends every sequence in ids by maxNew sampled tokens. Each step
// crops the running sequences to the last MaxSeqLen tokens, runs a forward
// pass in evaluation mode and samples from the final position. The previous
// mode is restored afterwards. The input slices are not modified.
func (m *DecoderTransformer) Generate(ids [][]int, maxNew int, s Sampler) ([][]int, error) {
	if _, _, err := nn.BatchShape(ids); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if maxNew < 0 {
		return nil, fmt.Errorf("generate: negative token count %d", maxNew)
	}
	prev := m.training
	m.SetTraining(false)
	defer m.SetTraining(prev)

	seqs := make([][]int, len(ids))
	for i, seq := range ids {
		seqs[i] = append(make([]int, 0, len(seq)+maxNew), seq...)
	}
	window := make([][]int, len(seqs))
	for range maxNew {
		for i, seq := range seqs {
			window[i] = seq[max(0, len(seq)-m.cfg.MaxSeqLen):]
		}
		logits, err := m.Forward(window)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		l := len(window[0])
		for i := range seqs {
			seqs[i] = append(seqs[i], s.Sample(logits.Row(i*l+l-1)))
		}
	}
	return seqs, nil
}
