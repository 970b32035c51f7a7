package layers

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"
)

// MaxPool2D takes the maximum over non-overlapping p x p windows.
type MaxPool2D struct {
	poolSize int

	lastShape []int
	argmax    []int // input offset of each output's maximum
}

func NewMaxPool2D(p int) *MaxPool2D { return &MaxPool2D{poolSize: p} }

func (m *MaxPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, c, h, w, err := imageDims(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Tag(), err)
	}
	p := m.poolSize
	outH, outW := h/p, w/p
	out := tensor.New(b, c, outH, outW)
	m.argmax = make([]int, len(out.Data))
	m.lastShape = x.Shape

	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			base := (n*c + ch) * h * w
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best, bestIdx := math.Inf(-1), -1
					for ph := 0; ph < p; ph++ {
						for pw := 0; pw < p; pw++ {
							idx := base + (oh*p+ph)*w + ow*p + pw
							if x.Data[idx] > best {
								best, bestIdx = x.Data[idx], idx
							}
						}
					}
					o := ((n*c+ch)*outH+oh)*outW + ow
					out.Data[o] = best
					m.argmax[o] = bestIdx
				}
			}
		}
	}
	return out, nil
}

func (m *MaxPool2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", m.Tag())
	}
	if len(gradOut.Data) != len(m.argmax) {
		return nil, fmt.Errorf("%s: gradient has %d values, want %d", m.Tag(), len(gradOut.Data), len(m.argmax))
	}
	dx := tensor.New(m.lastShape...)
	for o, g := range gradOut.Data {
		dx.Data[m.argmax[o]] += g
	}
	return dx, nil
}

func (m *MaxPool2D) Params() []*Param { return nil }

func (m *MaxPool2D) Tag() string { return fmt.Sprintf("MaxPool2D_%d", m.poolSize) }

// AvgPool2D averages non-overlapping p x p windows.
type AvgPool2D struct {
	poolSize  int
	lastShape []int
}

func NewAvgPool2D(p int) *AvgPool2D { return &AvgPool2D{poolSize: p} }

func (a *AvgPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b, c, h, w, err := imageDims(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Tag(), err)
	}
	p := a.poolSize
	outH, outW := h/p, w/p
	out := tensor.New(b, c, outH, outW)
	a.lastShape = x.Shape
	inv := 1.0 / float64(p*p)

	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			base := (n*c + ch) * h * w
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := 0.0
					for ph := 0; ph < p; ph++ {
						for pw := 0; pw < p; pw++ {
							sum += x.Data[base+(oh*p+ph)*w+ow*p+pw]
						}
					}
					out.Data[((n*c+ch)*outH+oh)*outW+ow] = sum * inv
				}
			}
		}
	}
	return out, nil
}

func (a *AvgPool2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if a.lastShape == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", a.Tag())
	}
	dx := tensor.New(a.lastShape...)
	b, c, h, w, _ := imageDims(dx)
	p := a.poolSize
	outH, outW := h/p, w/p
	if len(gradOut.Data) != b*c*outH*outW {
		return nil, fmt.Errorf("%s: gradient has %d values, want %d", a.Tag(), len(gradOut.Data), b*c*outH*outW)
	}
	inv := 1.0 / float64(p*p)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			base := (n*c + ch) * h * w
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOut.Data[((n*c+ch)*outH+oh)*outW+ow] * inv
					for ph := 0; ph < p; ph++ {
						for pw := 0; pw < p; pw++ {
							dx.Data[base+(oh*p+ph)*w+ow*p+pw] += g
						}
					}
				}
			}
		}
	}
	return dx, nil
}

func (a *AvgPool2D) Params() []*Param { return nil }

func (a *AvgPool2D) Tag() string { return fmt.Sprintf("AvgPool2D_%d", a.poolSize) }

// imageDims reads [C,H,W] as a batch of one or [B,C,H,W].
func imageDims(x *tensor.Tensor) (b, c, h, w int, err error) {
	switch len(x.Shape) {
	case 3:
		return 1, x.Shape[0], x.Shape[1], x.Shape[2], nil
	case 4:
		return x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], nil
	}
	return 0, 0, 0, 0, fmt.Errorf("expected [C,H,W] or [B,C,H,W] input, got %v", x.Shape)
}
