package layers

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrUnknownActivation is returned by ParseActivation for unsupported names.
var ErrUnknownActivation = errors.New("unknown activation")

// Activation selects the nonlinearity a layer is initialized for.
type Activation int

const (
	ActReLU Activation = iota
	ActLeakyReLU
	ActTanh
	ActSigmoid
	ActLinear
)

// leakySlope is the negative slope assumed by the Kaiming gain of leaky ReLU.
const leakySlope = 0.0

// ParseActivation maps a config string to an Activation.
func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relu":
		return ActReLU, nil
	case "leakyrelu", "leaky_relu":
		return ActLeakyReLU, nil
	case "tanh":
		return ActTanh, nil
	case "sigmoid":
		return ActSigmoid, nil
	case "linear", "identity":
		return ActLinear, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownActivation, s)
}

func (a Activation) String() string {
	switch a {
	case ActReLU:
		return "relu"
	case ActLeakyReLU:
		return "leaky_relu"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	case ActLinear:
		return "linear"
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

// Gain is the recommended init gain for the nonlinearity.
func (a Activation) Gain() float64 {
	switch a {
	case ActReLU:
		return math.Sqrt2
	case ActLeakyReLU:
		return math.Sqrt(2 / (1 + leakySlope*leakySlope))
	case ActTanh:
		return 5.0 / 3
	}
	return 1
}

// fanOut is size(0) times the receptive field (product of dims after the second).
func fanOut(shape []int) int {
	f := shape[0]
	for _, d := range shape[2:] {
		f *= d
	}
	return f
}

// kaimingNormal fills t from N(0, gain²/fan_out).
func kaimingNormal(t *tensor.Tensor, act Activation, src rand.Source) {
	std := act.Gain() / math.Sqrt(float64(fanOut(t.Shape)))
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
}

// uniformFanIn fills t from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformFanIn(t *tensor.Tensor, fanIn int, src rand.Source) {
	bound := 1 / math.Sqrt(float64(fanIn))
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range t.Data {
		t.Data[i] = dist.Rand()
	}
}
