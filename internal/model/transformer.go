// Package model assembles the decoder-only transformer: token embedding,
// positional encoding, a stack of causal decoder layers, a final layer norm
// and the projection back to vocabulary logits.
package model

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/tinyformer/internal/attention"
	"github.com/samcharles93/tinyformer/internal/nn"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

// DecoderTransformer owns every parameter of the language model.
// It is used by one goroutine at a time.
type DecoderTransformer struct {
	cfg Config

	TokEmb  *nn.Embedding
	Pos     nn.Positional
	EmbDrop *nn.Dropout
	Layers  []*DecoderLayer
	LNF     *nn.LayerNorm
	Unembed *nn.Linear

	training bool
	params   []*nn.Param
}

// Trace holds the activations of one forward pass for Backward.
type Trace struct {
	IDs    [][]int
	Logits *tensor.Tensor

	embMask *tensor.Tensor
	layers  []*layerTrace
	lnf     *nn.LayerNormCache
	hidden  *tensor.Tensor
}

// New validates cfg and builds a model with weights drawn from cfg.Seed.
// The model starts in training mode.
func New(cfg Config) (*DecoderTransformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := tensor.NewRand(cfg.Seed)
	d := cfg.ModelSize

	m := &DecoderTransformer{
		cfg:      cfg,
		TokEmb:   nn.NewEmbedding("tok_emb", cfg.VocabSize, d, rng),
		training: true,
	}
	switch cfg.Positional {
	case PositionalSinusoidal:
		m.Pos = nn.NewSinusoidal(cfg.MaxSeqLen, d)
	default:
		m.Pos = nn.NewLearned("pos_enc", cfg.MaxSeqLen, d, rng)
	}
	var err error
	if m.EmbDrop, err = nn.NewDropout(cfg.Dropout, rng.Uint64()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for i := range cfg.Layers {
		l, err := newDecoderLayer("layers."+strconv.Itoa(i), cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %w", ErrInvalidConfig, i, err)
		}
		m.Layers = append(m.Layers, l)
	}
	if m.LNF, err = nn.NewLayerNorm("ln_f", d, cfg.LayerNormEps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	m.Unembed = nn.NewLinear("unembedding", d, cfg.VocabSize, true, rng)

	m.params = append(m.params, m.TokEmb.Parameters()...)
	m.params = append(m.params, m.Pos.Parameters()...)
	for _, l := range m.Layers {
		m.params = append(m.params, l.Parameters()...)
	}
	m.params = append(m.params, m.LNF.Parameters()...)
	m.params = append(m.params, m.Unembed.Parameters()...)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *DecoderTransformer) Config() Config { return m.cfg }

// SetTraining switches dropout on (true) or off (false).
func (m *DecoderTransformer) SetTraining(on bool) { m.training = on }

// Training reports whether the model is in training mode.
func (m *DecoderTransformer) Training() bool { return m.training }

// Parameters returns every trainable parameter in a stable order with
// dotted names such as layers.0.attn.wq.weight.
func (m *DecoderTransformer) Parameters() []*nn.Param { return m.params }

// NumParams is the total number of trainable scalars.
func (m *DecoderTransformer) NumParams() int { return nn.Count(m.params) }

// Forward maps a (B, L) batch of token ids to (B, L, vocab) logits.
func (m *DecoderTransformer) Forward(ids [][]int) (*tensor.Tensor, error) {
	tr, err := m.ForwardTrace(ids)
	if err != nil {
		return nil, err
	}
	return tr.Logits, nil
}

// ForwardTrace is Forward that also keeps the activations Backward needs.
func (m *DecoderTransformer) ForwardTrace(ids [][]int) (*Trace, error) {
	_, l, err := nn.BatchShape(ids)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if l > m.cfg.MaxSeqLen {
		return nil, fmt.Errorf("forward: sequence length %d exceeds max_seq_len %d", l, m.cfg.MaxSeqLen)
	}

	x, err := m.TokEmb.Forward(ids)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if x, err = m.Pos.Encode(x); err != nil {
		return nil, fmt.Errorf("forward: positional: %w", err)
	}
	tr := &Trace{IDs: ids, layers: make([]*layerTrace, len(m.Layers))}
	x, tr.embMask = m.EmbDrop.Forward(x, m.training)

	// Rebuilt on every call: the mask depends only on the current length.
	mask := attention.CausalMask(l)
	for i, layer := range m.Layers {
		if x, tr.layers[i], err = layer.forward(x, mask, m.training); err != nil {
			return nil, fmt.Errorf("forward: layer %d: %w", i, err)
		}
	}
	h, lnf, err := m.LNF.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("forward: ln_f: %w", err)
	}
	tr.lnf, tr.hidden = lnf, h
	if tr.Logits, err = m.Unembed.Forward(h); err != nil {
		return nil, fmt.Errorf("forward: unembedding: %w", err)
	}
	return tr, nil
}

// Backward accumulates the gradient of every parameter given dLogits, the
// gradient of the loss with respect to tr.Logits.
func (m *DecoderTransformer) Backward(tr *Trace, dLogits *tensor.Tensor) error {
	if !tensor.SameShape(dLogits.Shape, tr.Logits.Shape) {
		return fmt.Errorf("backward: %w", tensor.Mismatch("logits_grad", tr.Logits.Shape, dLogits.Shape))
	}
	dx, err := m.Unembed.Backward(tr.hidden, dLogits)
	if err != nil {
		return fmt.Errorf("backward: unembedding: %w", err)
	}
	if dx, err = m.LNF.Backward(tr.lnf, dx); err != nil {
		return fmt.Errorf("backward: ln_f: %w", err)
	}
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if dx, err = m.Layers[i].backward(tr.layers[i], dx); err != nil {
			return fmt.Errorf("backward: layer %d: %w", i, err)
		}
	}
	dx = m.EmbDrop.Backward(tr.embMask, dx)
	if err := m.Pos.Backward(dx); err != nil {
		return fmt.Errorf("backward: positional: %w", err)
	}
	if err := m.TokEmb.Backward(tr.IDs, dx); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (m *DecoderTransformer) ZeroGrad() { nn.ZeroGrads(m.params) }
