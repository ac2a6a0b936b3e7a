package optim

import (
	"math"

	"github.com/samcharles93/tinyformer/internal/nn"
)

// AdamW is Adam with bias-corrected moments and decoupled weight decay.
// The moment buffers live as long as the optimizer.
type AdamW struct {
	lr, beta1, beta2, eps, weightDecay float64

	params []*nn.Param
	m, v   [][]float32
	t      int
}

func NewAdamW(params []*nn.Param, lr, beta1, beta2, eps, weightDecay float64) *AdamW {
	a := &AdamW{
		lr: lr, beta1: beta1, beta2: beta2, eps: eps, weightDecay: weightDecay,
		params: params,
		m:      make([][]float32, len(params)),
		v:      make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, p.Value.Size())
		a.v[i] = make([]float32, p.Value.Size())
	}
	return a
}

func (a *AdamW) Step() error {
	a.t++
	c1 := 1 / (1 - math.Pow(a.beta1, float64(a.t)))
	c2 := 1 / (1 - math.Pow(a.beta2, float64(a.t)))
	b1, b2 := float32(a.beta1), float32(a.beta2)
	for i, p := range a.params {
		w, g, m, v := p.Value.Data, p.Grad.Data, a.m[i], a.v[i]
		for j := range w {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			mhat := float64(m[j]) * c1
			vhat := float64(v[j]) * c2
			update := mhat/(math.Sqrt(vhat)+a.eps) + a.weightDecay*float64(w[j])
			w[j] -= float32(a.lr * update)
		}
	}
	return nil
}

// Steps is the number of updates applied so far.
func (a *AdamW) Steps() int { return a.t }

func (a *AdamW) ZeroGrad()        { nn.ZeroGrads(a.params) }
func (a *AdamW) SetLR(lr float64) { a.lr = lr }
func (a *AdamW) LR() float64      { return a.lr }
