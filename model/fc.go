package model

import (
	"fmt"

	"fedpara_lib/nn"
	"fedpara_lib/nn/layers"
	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
)

// FCConfig configures the two-layer perceptron.
type FCConfig struct {
	InputSize  int
	HiddenSize int
	NumClasses int
	Ratio      float64
	ParamType  ParamType
	Activation layers.Activation
	// Personalized adds the W1 residual to every low-rank layer.
	Personalized bool
	Method       Method
}

// DefaultFCConfig is the MNIST-sized network.
func DefaultFCConfig() FCConfig {
	return FCConfig{
		InputSize:  28 * 28,
		HiddenSize: 256,
		NumClasses: 10,
		Ratio:      0.1,
		ParamType:  ParamLowRank,
		Activation: layers.ActReLU,
	}
}

// FC is fc1 -> ReLU -> fc2. It outputs logits; the loss applies softmax.
type FC struct {
	exchange

	Fc1, Fc2 nn.Module
	relu     *layers.Nonlinearity
}

var _ Model = (*FC)(nil)

func NewFC(cfg FCConfig, src rand.Source) (*FC, error) {
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("fc: %w: input=%d hidden=%d classes=%d", layers.ErrInvalidDims, cfg.InputSize, cfg.HiddenSize, cfg.NumClasses)
	}
	m := &FC{relu: layers.NewReLU()}
	switch cfg.ParamType {
	case ParamStandard:
		m.Fc1 = layers.NewLinear(cfg.InputSize, cfg.HiddenSize, true, src)
		m.Fc2 = layers.NewLinear(cfg.HiddenSize, cfg.NumClasses, true, src)
	case ParamLowRank:
		fc1, err := layers.NewLowRankLinear(cfg.InputSize, cfg.HiddenSize, cfg.Ratio, cfg.Activation, true, cfg.Personalized, src)
		if err != nil {
			return nil, fmt.Errorf("fc1: %w", err)
		}
		fc2, err := layers.NewLowRankLinear(cfg.HiddenSize, cfg.NumClasses, cfg.Ratio, cfg.Activation, true, cfg.Personalized, src)
		if err != nil {
			return nil, fmt.Errorf("fc2: %w", err)
		}
		m.Fc1, m.Fc2 = fc1, fc2
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownParamType, cfg.ParamType)
	}
	m.exchange = exchange{self: m, method: cfg.Method, head: "fc2"}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("fc: %w", err)
	}
	return m, nil
}

func (m *FC) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) > 2 {
		flat, err := x.Reshape(x.Shape[0], len(x.Data)/x.Shape[0])
		if err != nil {
			return nil, err
		}
		x = flat
	}
	h, err := m.Fc1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("fc1: %w", err)
	}
	h, err = m.relu.Forward(h)
	if err != nil {
		return nil, err
	}
	out, err := m.Fc2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("fc2: %w", err)
	}
	return out, nil
}

// Backward returns the gradient with respect to the flattened input.
func (m *FC) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Fc2.Backward(grad)
	if err != nil {
		return nil, fmt.Errorf("fc2: %w", err)
	}
	if g, err = m.relu.Backward(g); err != nil {
		return nil, err
	}
	if g, err = m.Fc1.Backward(g); err != nil {
		return nil, fmt.Errorf("fc1: %w", err)
	}
	return g, nil
}

func (m *FC) Params() []*layers.Param {
	return append(nn.PrefixParams("fc1", m.Fc1.Params()), nn.PrefixParams("fc2", m.Fc2.Params())...)
}
