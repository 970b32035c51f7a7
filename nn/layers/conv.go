package layers

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ConvGeometry describes a square-kernel 2D convolution.
type ConvGeometry struct {
	InChan, OutChan int
	Kernel          int
	Stride          int
	Padding         int
}

func (g ConvGeometry) validate() error {
	if g.InChan <= 0 || g.OutChan <= 0 || g.Kernel <= 0 {
		return fmt.Errorf("%w: in=%d out=%d kernel=%d", ErrInvalidDims, g.InChan, g.OutChan, g.Kernel)
	}
	if g.Stride <= 0 || g.Padding < 0 {
		return fmt.Errorf("%w: stride=%d padding=%d", ErrInvalidDims, g.Stride, g.Padding)
	}
	return nil
}

// OutputShape returns the spatial output size for an inH x inW input.
func (g ConvGeometry) OutputShape(inH, inW int) (outH, outW int) {
	outH = (inH+2*g.Padding-g.Kernel)/g.Stride + 1
	outW = (inW+2*g.Padding-g.Kernel)/g.Stride + 1
	return outH, outW
}

// Conv2D is a dense 2D convolutional layer.
type Conv2D struct {
	ConvGeometry

	W *Param // [outChan, inChan, k, k]
	B *Param // [outChan], nil without bias

	lastInput *tensor.Tensor
	lastShape []int
}

// NewConv2D allocates a dense convolution with weights drawn from
// N(0, 2/(k·k·outChan)) and a zero bias.
func NewConv2D(geom ConvGeometry, bias bool, src rand.Source) (*Conv2D, error) {
	if err := geom.validate(); err != nil {
		return nil, err
	}
	c := &Conv2D{
		ConvGeometry: geom,
		W:            newParam("weight", geom.OutChan, geom.InChan, geom.Kernel, geom.Kernel),
	}
	n := geom.Kernel * geom.Kernel * geom.OutChan
	dist := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2.0 / float64(n)), Src: src}
	for i := range c.W.Value.Data {
		c.W.Value.Data[i] = dist.Rand()
	}
	if bias {
		c.B = newParam("bias", geom.OutChan)
	}
	return c, nil
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	xb, err := asImageBatch(x, c.InChan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Tag(), err)
	}
	c.lastInput = xb
	c.lastShape = x.Shape
	return conv2dForward(xb, c.W.Value, biasOf(c.B), c.ConvGeometry), nil
}

func (c *Conv2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", c.Tag())
	}
	dx, err := conv2dBackward(c.lastInput, c.W.Value, gradOut, c.ConvGeometry, c.W.Grad, gradOf(c.B))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Tag(), err)
	}
	return dx.Reshape(c.lastShape...)
}

func (c *Conv2D) Params() []*Param {
	if c.B == nil {
		return []*Param{c.W}
	}
	return []*Param{c.W, c.B}
}

func (c *Conv2D) Tag() string {
	return fmt.Sprintf("Conv2D_%d_%d_%d", c.InChan, c.OutChan, c.Kernel)
}

// asImageBatch views x as [batch, chans, H, W]; a 3-D input is one sample.
func asImageBatch(x *tensor.Tensor, chans int) (*tensor.Tensor, error) {
	switch {
	case len(x.Shape) == 3 && x.Shape[0] == chans:
		return &tensor.Tensor{Data: x.Data, Shape: []int{1, x.Shape[0], x.Shape[1], x.Shape[2]}}, nil
	case len(x.Shape) == 4 && x.Shape[1] == chans:
		return x, nil
	}
	return nil, fmt.Errorf("expected [batch, %d, H, W] input, got %v", chans, x.Shape)
}

// conv2dForward convolves x [B, C, H, W] with k [O, C, kh, kw].
func conv2dForward(x, k, b *tensor.Tensor, g ConvGeometry) *tensor.Tensor {
	batch, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kk := k.Shape[0], g.Kernel
	outH, outW := g.OutputShape(h, w)
	out := tensor.New(batch, outC, outH, outW)

	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			bias := 0.0
			if b != nil {
				bias = b.Data[oc]
			}
			for y := 0; y < outH; y++ {
				for xo := 0; xo < outW; xo++ {
					sum := bias
					for ic := 0; ic < inC; ic++ {
						for dy := 0; dy < kk; dy++ {
							iy := y*g.Stride + dy - g.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for dx := 0; dx < kk; dx++ {
								ix := xo*g.Stride + dx - g.Padding
								if ix < 0 || ix >= w {
									continue
								}
								wIdx := ((oc*inC+ic)*kk+dy)*kk + dx
								inIdx := ((n*inC+ic)*h+iy)*w + ix
								sum += x.Data[inIdx] * k.Data[wIdx]
							}
						}
					}
					out.Data[((n*outC+oc)*outH+y)*outW+xo] = sum
				}
			}
		}
	}
	return out
}

// conv2dBackward accumulates kernel and bias gradients and returns the
// input gradient for gradOut [B, O, outH, outW].
func conv2dBackward(x, k, gradOut *tensor.Tensor, g ConvGeometry, gradK, gradB *tensor.Tensor) (*tensor.Tensor, error) {
	batch, inC, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, kk := k.Shape[0], g.Kernel
	outH, outW := g.OutputShape(h, w)
	if len(gradOut.Shape) != 4 || gradOut.Shape[0] != batch || gradOut.Shape[1] != outC ||
		gradOut.Shape[2] != outH || gradOut.Shape[3] != outW {
		return nil, fmt.Errorf("gradOut shape %v, want [%d %d %d %d]", gradOut.Shape, batch, outC, outH, outW)
	}

	dx := tensor.New(x.Shape...)
	for n := 0; n < batch; n++ {
		for oc := 0; oc < outC; oc++ {
			for y := 0; y < outH; y++ {
				for xo := 0; xo < outW; xo++ {
					gv := gradOut.Data[((n*outC+oc)*outH+y)*outW+xo]
					if gradB != nil {
						gradB.Data[oc] += gv
					}
					if gv == 0 {
						continue
					}
					for ic := 0; ic < inC; ic++ {
						for dy := 0; dy < kk; dy++ {
							iy := y*g.Stride + dy - g.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for dxk := 0; dxk < kk; dxk++ {
								ix := xo*g.Stride + dxk - g.Padding
								if ix < 0 || ix >= w {
									continue
								}
								wIdx := ((oc*inC+ic)*kk+dy)*kk + dxk
								inIdx := ((n*inC+ic)*h+iy)*w + ix
								gradK.Data[wIdx] += x.Data[inIdx] * gv
								dx.Data[inIdx] += k.Data[wIdx] * gv
							}
						}
					}
				}
			}
		}
	}
	return dx, nil
}
