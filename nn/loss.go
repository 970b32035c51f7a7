package nn

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"
)

// Softmax applies a numerically stable softmax to each row of [batch, classes].
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	batch, classes := rows(logits)
	out := tensor.New(logits.Shape...)
	for n := 0; n < batch; n++ {
		row := logits.Data[n*classes : (n+1)*classes]
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		expSum := 0.0
		dst := out.Data[n*classes : (n+1)*classes]
		for i, v := range row {
			e := math.Exp(v - maxLogit)
			dst[i] = e
			expSum += e
		}
		for i := range dst {
			dst[i] /= expSum
		}
	}
	return out
}

// CrossEntropyLoss is softmax followed by negative log-likelihood, averaged
// over the batch.
type CrossEntropyLoss struct{}

// Forward returns the mean loss over the batch and the gradient with respect
// to the logits, (softmax - onehot) / batch.
func (CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	batch, classes := rows(logits)
	if batch != len(labels) {
		return 0, nil, fmt.Errorf("cross-entropy: %d logit rows for %d labels", batch, len(labels))
	}
	probs := Softmax(logits)
	grad := probs.Clone()
	loss := 0.0
	for n, y := range labels {
		if y < 0 || y >= classes {
			return 0, nil, fmt.Errorf("cross-entropy: label %d out of range [0,%d)", y, classes)
		}
		loss -= math.Log(math.Max(probs.Data[n*classes+y], 1e-300))
		grad.Data[n*classes+y] -= 1
	}
	grad.Scale(1 / float64(batch))
	return loss / float64(batch), grad, nil
}

// Argmax returns the index of the largest logit of each row.
func Argmax(logits *tensor.Tensor) []int {
	batch, classes := rows(logits)
	out := make([]int, batch)
	for n := 0; n < batch; n++ {
		best := 0
		for c := 1; c < classes; c++ {
			if logits.Data[n*classes+c] > logits.Data[n*classes+best] {
				best = c
			}
		}
		out[n] = best
	}
	return out
}

func rows(t *tensor.Tensor) (batch, classes int) {
	if len(t.Shape) == 1 {
		return 1, t.Shape[0]
	}
	return t.Shape[0], len(t.Data) / t.Shape[0]
}
