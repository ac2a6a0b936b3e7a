package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/tinyformer/internal/tensor"
)

// IgnoreIndex marks a target position that contributes nothing to the loss.
const IgnoreIndex = -1

// CrossEntropy flattens logits (B, L, V) to (B·L, V) and returns the mean
// negative log-likelihood of targets (B, L) together with its gradient with
// respect to the logits, softmax - onehot divided by the number of counted
// positions.
func CrossEntropy(logits *tensor.Tensor, targets [][]int) (float64, *tensor.Tensor, error) {
	if err := tensor.Expect("cross_entropy", logits, len(targets), -1, -1); err != nil {
		return 0, nil, err
	}
	l, v := logits.Shape[1], logits.Shape[2]
	grad := tensor.ZerosLike(logits)
	var total float64
	count := 0
	for b, seq := range targets {
		if len(seq) != l {
			return 0, nil, tensor.Errorf("cross_entropy", "targets row %d has length %d, logits have %d positions", b, len(seq), l)
		}
		for t, y := range seq {
			if y == IgnoreIndex {
				continue
			}
			if y < 0 || y >= v {
				return 0, nil, fmt.Errorf("cross_entropy: target %d at (%d, %d) outside vocabulary of %d", y, b, t, v)
			}
			r := b*l + t
			row, g := logits.Row(r), grad.Row(r)

			maxv := math.Inf(-1)
			for _, z := range row {
				maxv = math.Max(maxv, float64(z))
			}
			var sum float64
			for i, z := range row {
				e := math.Exp(float64(z) - maxv)
				g[i] = float32(e)
				sum += e
			}
			total += math.Log(sum) + maxv - float64(row[y])
			inv := float32(1 / sum)
			for i := range g {
				g[i] *= inv
			}
			g[y]--
			count++
		}
	}
	if count == 0 {
		return 0, nil, fmt.Errorf("cross_entropy: every target is ignored")
	}
	tensor.Scale(grad, 1/float32(count))
	return total / float64(count), grad, nil
}
