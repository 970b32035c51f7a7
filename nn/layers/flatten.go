package layers

import (
	"fmt"

	"fedpara_lib/tensor"
)

// Flatten reshapes [batch, d1, d2, ...] to [batch, d1·d2·...].
type Flatten struct {
	lastShape []int
}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("Flatten: expected a batched input, got %v", x.Shape)
	}
	f.lastShape = x.Shape
	return x.Reshape(x.Shape[0], len(x.Data)/x.Shape[0])
}

func (f *Flatten) Backward(g *tensor.Tensor) (*tensor.Tensor, error) {
	if f.lastShape == nil {
		return nil, fmt.Errorf("Flatten: no cached shape for backward pass")
	}
	return g.Reshape(f.lastShape...)
}

func (f *Flatten) Params() []*Param { return nil }

func (f *Flatten) Tag() string { return "Flatten" }
