package layers

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"
)

// negativeSlope is the leaky ReLU slope used by the forward pass.
const negativeSlope = 0.01

// Nonlinearity applies an elementwise activation function.
type Nonlinearity struct {
	act       Activation
	lastInput *tensor.Tensor
	lastOut   *tensor.Tensor
}

// NewNonlinearity returns the activation layer for act.
func NewNonlinearity(act Activation) *Nonlinearity { return &Nonlinearity{act: act} }

// NewReLU is shorthand for NewNonlinearity(ActReLU).
func NewReLU() *Nonlinearity { return NewNonlinearity(ActReLU) }

func (n *Nonlinearity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n.lastInput = x
	switch n.act {
	case ActReLU:
		n.lastOut = tensor.ReluPlain(x)
	case ActLeakyReLU:
		n.lastOut = tensor.Apply(x, func(v float64) float64 {
			if v < 0 {
				return negativeSlope * v
			}
			return v
		})
	case ActTanh:
		n.lastOut = tensor.Tanh(x)
	case ActSigmoid:
		n.lastOut = tensor.Apply(x, func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
	case ActLinear:
		n.lastOut = x.Clone()
	default:
		return nil, fmt.Errorf("%s: %w", n.Tag(), ErrUnknownActivation)
	}
	return n.lastOut, nil
}

func (n *Nonlinearity) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if n.lastInput == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", n.Tag())
	}
	if len(gradOut.Data) != len(n.lastInput.Data) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", n.Tag(), gradOut.Shape, n.lastInput.Shape)
	}
	dx := tensor.New(n.lastInput.Shape...)
	for i, g := range gradOut.Data {
		x, y := n.lastInput.Data[i], n.lastOut.Data[i]
		var d float64
		switch n.act {
		case ActReLU:
			if x > 0 {
				d = 1
			}
		case ActLeakyReLU:
			d = 1
			if x < 0 {
				d = negativeSlope
			}
		case ActTanh:
			d = 1 - y*y
		case ActSigmoid:
			d = y * (1 - y)
		default:
			d = 1
		}
		dx.Data[i] = g * d
	}
	return dx, nil
}

func (n *Nonlinearity) Params() []*Param { return nil }

func (n *Nonlinearity) Tag() string { return n.act.String() }
