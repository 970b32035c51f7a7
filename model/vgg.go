package model

import (
	"fmt"

	"fedpara_lib/nn"
	"fedpara_lib/nn/layers"
	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
)

// Pool marks a 2x2 max-pooling stage in a VGG layer list.
const Pool = 0

// VGG16 is the thirteen-convolution feature stack.
var VGG16 = []int{64, 64, Pool, 128, 128, Pool, 256, 256, 256, Pool, 512, 512, 512, Pool, 512, 512, 512, Pool}

// VGGConfig configures a VGG network with group normalization.
type VGGConfig struct {
	Layers       []int // output channels per 3x3 conv, Pool for max pooling
	InChannels   int
	ImageSize    int
	NumClasses   int
	NumGroups    int
	Hidden       int // classifier width
	Dropout      float64
	Ratio        float64
	ConvType     ConvType
	AddNonlinear bool
	Activation   layers.Activation
	Method       Method
}

// DefaultVGGConfig is VGG16 with GroupNorm for 32x32 RGB inputs.
func DefaultVGGConfig() VGGConfig {
	return VGGConfig{
		Layers:     VGG16,
		InChannels: 3,
		ImageSize:  32,
		NumClasses: 10,
		NumGroups:  2,
		Hidden:     512,
		Dropout:    0.5,
		Ratio:      0.1,
		ConvType:   ConvLowRank,
		Activation: layers.ActReLU,
	}
}

// VGG is features -> flatten -> classifier.
type VGG struct {
	exchange

	Features   *nn.Sequential
	Classifier *nn.Sequential
	flatten    *layers.Flatten
}

var _ Model = (*VGG)(nil)

func NewVGG(cfg VGGConfig, src rand.Source) (*VGG, error) {
	if cfg.InChannels <= 0 || cfg.ImageSize <= 0 || cfg.NumClasses <= 0 || cfg.Hidden <= 0 {
		return nil, fmt.Errorf("vgg: %w", layers.ErrInvalidDims)
	}
	if cfg.Activation != layers.ActReLU && cfg.Activation != layers.ActLeakyReLU {
		return nil, fmt.Errorf("vgg: %w: %s (want relu or leaky_relu)", layers.ErrUnknownActivation, cfg.Activation)
	}

	var feats []nn.Module
	in, size := cfg.InChannels, cfg.ImageSize
	for _, v := range cfg.Layers {
		if v == Pool {
			feats = append(feats, layers.NewMaxPool2D(2))
			size /= 2
			continue
		}
		conv, err := newConv(cfg, in, v, src)
		if err != nil {
			return nil, fmt.Errorf("vgg features.%d: %w", len(feats), err)
		}
		gn, err := layers.NewGroupNorm(cfg.NumGroups, v)
		if err != nil {
			return nil, fmt.Errorf("vgg features.%d: %w", len(feats)+1, err)
		}
		feats = append(feats, conv, gn, layers.NewNonlinearity(cfg.Activation))
		in = v
	}
	if size < 1 {
		return nil, fmt.Errorf("vgg: %w: image size %d vanishes after pooling", layers.ErrInvalidDims, cfg.ImageSize)
	}

	flat := in * size * size
	cls := nn.NewSequential(
		layers.NewDropout(cfg.Dropout, src),
		layers.NewLinear(flat, cfg.Hidden, true, src),
		layers.NewNonlinearity(cfg.Activation),
		layers.NewDropout(cfg.Dropout, src),
		layers.NewLinear(cfg.Hidden, cfg.Hidden, true, src),
		layers.NewNonlinearity(cfg.Activation),
		layers.NewLinear(cfg.Hidden, cfg.NumClasses, true, src),
	)
	m := &VGG{Features: nn.NewSequential(feats...), Classifier: cls, flatten: layers.NewFlatten()}
	m.exchange = exchange{self: m, method: cfg.Method, head: fmt.Sprintf("classifier.%d", len(cls.Layers)-1)}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("vgg: %w", err)
	}
	return m, nil
}

func newConv(cfg VGGConfig, in, out int, src rand.Source) (nn.Module, error) {
	switch cfg.ConvType {
	case ConvStandard:
		return layers.NewConv2D(layers.ConvGeometry{InChan: in, OutChan: out, Kernel: 3, Stride: 1, Padding: 1}, true, src)
	case ConvLowRank:
		return layers.NewLowRankConv2D(layers.ConvConfig{
			In: in, Out: out, Kernel: 3, Stride: 1, Padding: 1,
			Ratio: cfg.Ratio, Bias: true, AddNonlinear: cfg.AddNonlinear, Activation: cfg.Activation,
		}, src)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownConvType, cfg.ConvType)
}

func (m *VGG) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.Features.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	if h, err = m.flatten.Forward(h); err != nil {
		return nil, err
	}
	out, err := m.Classifier.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return out, nil
}

func (m *VGG) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Classifier.Backward(grad)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if g, err = m.flatten.Backward(g); err != nil {
		return nil, err
	}
	if g, err = m.Features.Backward(g); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	return g, nil
}

func (m *VGG) Params() []*layers.Param {
	return append(nn.PrefixParams("features", m.Features.Params()), nn.PrefixParams("classifier", m.Classifier.Params())...)
}

func (m *VGG) SetTraining(training bool) {
	m.Features.SetTraining(training)
	m.Classifier.SetTraining(training)
}
