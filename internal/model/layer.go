package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/tinyformer/internal/attention"
	"github.com/samcharles93/tinyformer/internal/nn"
	"github.com/samcharles93/tinyformer/internal/tensor"
)

// DecoderLayer is a pre-norm transformer block:
//
//	x = x + MHA(LN1(x), mask)
//	x = x + Dropout(FFN(LN2(x)))
//
// The attention module applies its own dropout to its projected output.
type DecoderLayer struct {
	LN1  *nn.LayerNorm
	Attn *attention.MultiHeadAttention
	LN2  *nn.LayerNorm
	FFN  *nn.FeedForward
	Drop *nn.Dropout
}

type layerTrace struct {
	ln1      *nn.LayerNormCache
	attn     *attention.MHATrace
	ln2      *nn.LayerNormCache
	ffn      *nn.FeedForwardCache
	dropMask *tensor.Tensor
}

func newDecoderLayer(name string, cfg Config, rng *rand.Rand) (*DecoderLayer, error) {
	d := cfg.ModelSize
	ln1, err := nn.NewLayerNorm(name+".ln1", d, cfg.LayerNormEps)
	if err != nil {
		return nil, err
	}
	attn, err := attention.NewMultiHeadAttention(name+".attn", d, cfg.Heads, cfg.Dropout, cfg.Bias, rng)
	if err != nil {
		return nil, err
	}
	ln2, err := nn.NewLayerNorm(name+".ln2", d, cfg.LayerNormEps)
	if err != nil {
		return nil, err
	}
	drop, err := nn.NewDropout(cfg.Dropout, rng.Uint64())
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{
		LN1:  ln1,
		Attn: attn,
		LN2:  ln2,
		FFN:  nn.NewFeedForward(name+".ffn", d, cfg.FFMult*d, cfg.Bias, rng),
		Drop: drop,
	}, nil
}

func (l *DecoderLayer) forward(x, mask *tensor.Tensor, training bool) (*tensor.Tensor, *layerTrace, error) {
	var tr layerTrace
	h, c1, err := l.LN1.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("ln1: %w", err)
	}
	tr.ln1 = c1
	at, err := l.Attn.Forward(h, nil, mask, training)
	if err != nil {
		return nil, nil, fmt.Errorf("attention: %w", err)
	}
	tr.attn = at
	x, err = tensor.Add(x, at.Out)
	if err != nil {
		return nil, nil, err
	}

	h, c2, err := l.LN2.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("ln2: %w", err)
	}
	tr.ln2 = c2
	f, fc, err := l.FFN.Forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("ffn: %w", err)
	}
	tr.ffn = fc
	f, tr.dropMask = l.Drop.Forward(f, training)
	out, err := tensor.Add(x, f)
	if err != nil {
		return nil, nil, err
	}
	return out, &tr, nil
}

func (l *DecoderLayer) backward(tr *layerTrace, dy *tensor.Tensor) (*tensor.Tensor, error) {
	// Second residual: dy reaches x directly and through the FFN branch.
	df := l.Drop.Backward(tr.dropMask, dy)
	dh, err := l.FFN.Backward(tr.ffn, df)
	if err != nil {
		return nil, fmt.Errorf("ffn backward: %w", err)
	}
	dh, err = l.LN2.Backward(tr.ln2, dh)
	if err != nil {
		return nil, fmt.Errorf("ln2 backward: %w", err)
	}
	dx, err := tensor.Add(dy, dh)
	if err != nil {
		return nil, err
	}

	da, _, err := l.Attn.Backward(tr.attn, dx)
	if err != nil {
		return nil, fmt.Errorf("attention backward: %w", err)
	}
	da, err = l.LN1.Backward(tr.ln1, da)
	if err != nil {
		return nil, fmt.Errorf("ln1 backward: %w", err)
	}
	if err := tensor.AddInPlace(dx, da); err != nil {
		return nil, err
	}
	return dx, nil
}

// Parameters returns ln1, attention, ln2 and feed-forward parameters.
func (l *DecoderLayer) Parameters() []*nn.Param {
	var ps []*nn.Param
	ps = append(ps, l.LN1.Parameters()...)
	ps = append(ps, l.Attn.Parameters()...)
	ps = append(ps, l.LN2.Parameters()...)
	ps = append(ps, l.FFN.Parameters()...)
	return ps
}
