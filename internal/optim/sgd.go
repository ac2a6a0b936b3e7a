package optim

import "github.com/samcharles93/tinyformer/internal/nn"

// SGD is stochastic gradient descent with optional momentum and decoupled
// weight decay.
type SGD struct {
	lr, momentum, weightDecay float64

	params   []*nn.Param
	velocity [][]float32
}

func NewSGD(params []*nn.Param, lr, momentum, weightDecay float64) *SGD {
	s := &SGD{lr: lr, momentum: momentum, weightDecay: weightDecay, params: params}
	if momentum > 0 {
		s.velocity = make([][]float32, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float32, p.Value.Size())
		}
	}
	return s
}

func (s *SGD) Step() error {
	lr, mu, wd := float32(s.lr), float32(s.momentum), float32(s.weightDecay)
	for i, p := range s.params {
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			u := g[j]
			if s.velocity != nil {
				s.velocity[i][j] = mu*s.velocity[i][j] + u
				u = s.velocity[i][j]
			}
			w[j] -= lr * (u + wd*w[j])
		}
	}
	return nil
}

func (s *SGD) ZeroGrad()        { nn.ZeroGrads(s.params) }
func (s *SGD) SetLR(lr float64) { s.lr = lr }
func (s *SGD) LR() float64      { return s.lr }
