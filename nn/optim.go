package nn

import (
	"fmt"
	"math"

	"fedpara_lib/nn/layers"
	"fedpara_lib/tensor"
)

// SGD is stochastic gradient descent with momentum and L2 weight decay:
//
//	g = grad + weightDecay·p
//	v = momentum·v + g   (v = g on the first step)
//	p = p - lr·v
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	velocity map[*tensor.Tensor]*tensor.Tensor
}

func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		velocity:    make(map[*tensor.Tensor]*tensor.Tensor),
	}
}

// Step updates every parameter in place from its accumulated gradient.
func (o *SGD) Step(params []*layers.Param) error {
	for _, p := range params {
		if len(p.Grad.Data) != len(p.Value.Data) {
			return fmt.Errorf("sgd: %s has %d gradient values for %d weights", p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
		g := p.Grad
		if o.WeightDecay != 0 {
			g = g.Clone()
			_ = g.AddScaled(o.WeightDecay, p.Value)
		}
		if o.Momentum != 0 {
			v, ok := o.velocity[p.Value]
			if !ok {
				v = g.Clone()
				o.velocity[p.Value] = v
			} else {
				v.Scale(o.Momentum)
				_ = v.AddScaled(1, g)
			}
			g = v
		}
		_ = p.Value.AddScaled(-o.LR, g)
	}
	return nil
}

// LearningRate is the per-round schedule etaL·decay^(round-1).
func LearningRate(etaL, decay float64, round int) float64 {
	if round < 1 {
		round = 1
	}
	return etaL * math.Pow(decay, float64(round-1))
}
