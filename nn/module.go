package nn

import (
	"fmt"
	"strconv"

	"fedpara_lib/nn/layers"
	"fedpara_lib/tensor"
)

// Module defines a single layer/unit in the network.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward takes the gradient of the loss with respect to the module's
	// output, accumulates parameter gradients, and returns the gradient with
	// respect to the module's input.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	// Params lists the learnable parameters with names relative to the module.
	Params() []*layers.Param
}

// TrainingSetter is implemented by modules whose behaviour differs between
// training and evaluation.
type TrainingSetter interface {
	SetTraining(training bool)
}

// SetTraining switches m, and any nested modules, to training or evaluation mode.
func SetTraining(m Module, training bool) {
	if ts, ok := m.(TrainingSetter); ok {
		ts.SetTraining(training)
	}
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

func NewSequential(mods ...Module) *Sequential { return &Sequential{Layers: mods} }

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	var err error
	for i, layer := range s.Layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// Backward applies Backward in reverse order.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	out := grad
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		out, err = s.Layers[i].Backward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}

// Params names every parameter "<layer index>.<name>".
func (s *Sequential) Params() []*layers.Param {
	var ps []*layers.Param
	for i, layer := range s.Layers {
		prefix := strconv.Itoa(i)
		for _, p := range layer.Params() {
			ps = append(ps, p.Prefixed(prefix))
		}
	}
	return ps
}

func (s *Sequential) SetTraining(training bool) {
	for _, layer := range s.Layers {
		SetTraining(layer, training)
	}
}

// PrefixParams returns views of ps named prefix + "." + name.
func PrefixParams(prefix string, ps []*layers.Param) []*layers.Param {
	out := make([]*layers.Param, len(ps))
	for i, p := range ps {
		out[i] = p.Prefixed(prefix)
	}
	return out
}
