package layers

import (
	"fmt"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Linear is a dense fully-connected layer: y = x·Wᵗ + b.
type Linear struct {
	W *Param // [outDim, inDim]
	B *Param // [outDim], nil without bias

	inDim, outDim int

	lastInput *tensor.Tensor
	lastShape []int
}

// NewLinear allocates a dense layer with PyTorch-style uniform fan-in init.
func NewLinear(inDim, outDim int, bias bool, src rand.Source) *Linear {
	l := &Linear{W: newParam("weight", outDim, inDim), inDim: inDim, outDim: outDim}
	uniformFanIn(l.W.Value, inDim, src)
	if bias {
		l.B = newParam("bias", outDim)
		uniformFanIn(l.B.Value, inDim, src)
	}
	return l
}

// Forward accepts [batch, inDim] or a single [inDim] sample.
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	xb, err := asBatch(x, l.inDim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Tag(), err)
	}
	l.lastInput = xb
	l.lastShape = x.Shape
	return linearForward(xb, l.W.Value, biasOf(l.B)), nil
}

func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", l.Tag())
	}
	g, err := asBatch(gradOut, l.outDim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Tag(), err)
	}
	dx := linearBackward(l.lastInput, l.W.Value, g, l.W.Grad, gradOf(l.B))
	return dx.Reshape(l.lastShape...)
}

func (l *Linear) Params() []*Param {
	if l.B == nil {
		return []*Param{l.W}
	}
	return []*Param{l.W, l.B}
}

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.inDim, l.outDim)
}

func biasOf(p *Param) *tensor.Tensor {
	if p == nil {
		return nil
	}
	return p.Value
}

func gradOf(p *Param) *tensor.Tensor {
	if p == nil {
		return nil
	}
	return p.Grad
}

// asBatch views x as [batch, dim].
func asBatch(x *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	switch {
	case len(x.Shape) == 1 && x.Shape[0] == dim:
		return &tensor.Tensor{Data: x.Data, Shape: []int{1, dim}}, nil
	case len(x.Shape) == 2 && x.Shape[1] == dim:
		return x, nil
	}
	return nil, fmt.Errorf("expected [batch, %d] input, got %v", dim, x.Shape)
}

// linearForward computes x·wᵗ + b for x [batch, in] and w [out, in].
func linearForward(x, w, b *tensor.Tensor) *tensor.Tensor {
	batch, in := x.Shape[0], x.Shape[1]
	out := w.Shape[0]
	y := tensor.New(batch, out)
	ym := mat.NewDense(batch, out, y.Data)
	ym.Mul(mat.NewDense(batch, in, x.Data), mat.NewDense(out, in, w.Data).T())
	if b != nil {
		for i := 0; i < batch; i++ {
			row := y.Data[i*out : (i+1)*out]
			for j := range row {
				row[j] += b.Data[j]
			}
		}
	}
	return y
}

// linearBackward accumulates gradW += gᵗ·x and gradB += Σ_batch g, and
// returns the input gradient g·w.
func linearBackward(x, w, g, gradW, gradB *tensor.Tensor) *tensor.Tensor {
	batch, in := x.Shape[0], x.Shape[1]
	out := w.Shape[0]
	xm := mat.NewDense(batch, in, x.Data)
	gm := mat.NewDense(batch, out, g.Data)

	var dw mat.Dense
	dw.Mul(gm.T(), xm)
	gw := mat.NewDense(out, in, gradW.Data)
	gw.Add(gw, &dw)

	if gradB != nil {
		for i := 0; i < batch; i++ {
			for j := 0; j < out; j++ {
				gradB.Data[j] += g.Data[i*out+j]
			}
		}
	}

	dx := tensor.New(batch, in)
	mat.NewDense(batch, in, dx.Data).Mul(gm, mat.NewDense(out, in, w.Data))
	return dx
}
