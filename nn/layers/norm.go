package layers

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
)

const groupNormEps = 1e-5

// GroupNorm normalizes each sample over groups of channels and applies a
// per-channel affine transform.
type GroupNorm struct {
	Weight *Param // [channels], starts at one
	Bias   *Param // [channels], starts at zero

	groups, channels int

	lastShape []int
	xhat      []float64
	invStd    []float64 // per (sample, group)
}

func NewGroupNorm(groups, channels int) (*GroupNorm, error) {
	if groups <= 0 || channels <= 0 || channels%groups != 0 {
		return nil, fmt.Errorf("%w: %d channels in %d groups", ErrInvalidDims, channels, groups)
	}
	g := &GroupNorm{
		Weight:   newParam("weight", channels),
		Bias:     newParam("bias", channels),
		groups:   groups,
		channels: channels,
	}
	for i := range g.Weight.Value.Data {
		g.Weight.Value.Data[i] = 1
	}
	return g, nil
}

// spatial returns the batch size and per-channel element count of x.
func (g *GroupNorm) spatial(shape []int) (batch, hw int, err error) {
	if len(shape) < 2 || shape[1] != g.channels {
		return 0, 0, fmt.Errorf("%s: expected [batch, %d, ...] input, got %v", g.Tag(), g.channels, shape)
	}
	hw = 1
	for _, d := range shape[2:] {
		hw *= d
	}
	return shape[0], hw, nil
}

func (g *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, hw, err := g.spatial(x.Shape)
	if err != nil {
		return nil, err
	}
	perGroup := g.channels / g.groups
	m := float64(perGroup * hw)
	out := tensor.New(x.Shape...)
	g.lastShape = x.Shape
	g.xhat = make([]float64, len(x.Data))
	g.invStd = make([]float64, batch*g.groups)

	for n := 0; n < batch; n++ {
		for gr := 0; gr < g.groups; gr++ {
			lo := (n*g.channels + gr*perGroup) * hw
			hi := lo + perGroup*hw
			var mean, variance float64
			for _, v := range x.Data[lo:hi] {
				mean += v
			}
			mean /= m
			for _, v := range x.Data[lo:hi] {
				variance += (v - mean) * (v - mean)
			}
			variance /= m
			inv := 1 / math.Sqrt(variance+groupNormEps)
			g.invStd[n*g.groups+gr] = inv
			for i := lo; i < hi; i++ {
				c := (i / hw) % g.channels
				xh := (x.Data[i] - mean) * inv
				g.xhat[i] = xh
				out.Data[i] = g.Weight.Value.Data[c]*xh + g.Bias.Value.Data[c]
			}
		}
	}
	return out, nil
}

func (g *GroupNorm) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if g.xhat == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", g.Tag())
	}
	if len(gradOut.Data) != len(g.xhat) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", g.Tag(), gradOut.Shape, g.lastShape)
	}
	batch, hw, _ := g.spatial(g.lastShape)
	perGroup := g.channels / g.groups
	m := float64(perGroup * hw)
	dx := tensor.New(g.lastShape...)

	for n := 0; n < batch; n++ {
		for gr := 0; gr < g.groups; gr++ {
			lo := (n*g.channels + gr*perGroup) * hw
			hi := lo + perGroup*hw
			var sumD, sumDX float64
			for i := lo; i < hi; i++ {
				c := (i / hw) % g.channels
				dy := gradOut.Data[i]
				g.Weight.Grad.Data[c] += dy * g.xhat[i]
				g.Bias.Grad.Data[c] += dy
				d := dy * g.Weight.Value.Data[c]
				sumD += d
				sumDX += d * g.xhat[i]
			}
			inv := g.invStd[n*g.groups+gr]
			for i := lo; i < hi; i++ {
				c := (i / hw) % g.channels
				d := gradOut.Data[i] * g.Weight.Value.Data[c]
				dx.Data[i] = inv / m * (m*d - sumD - g.xhat[i]*sumDX)
			}
		}
	}
	return dx, nil
}

func (g *GroupNorm) Params() []*Param { return []*Param{g.Weight, g.Bias} }

func (g *GroupNorm) Tag() string { return fmt.Sprintf("GroupNorm_%d_%d", g.groups, g.channels) }

// Dropout zeroes inputs with probability p while training and scales the
// survivors by 1/(1-p). It is the identity in evaluation mode.
type Dropout struct {
	p        float64
	training bool
	rng      *rand.Rand
	mask     []float64
}

func NewDropout(p float64, src rand.Source) *Dropout {
	return &Dropout{p: p, training: true, rng: rand.New(src)}
}

// SetTraining switches between training and evaluation behaviour.
func (d *Dropout) SetTraining(training bool) { d.training = training }

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		d.mask = nil
		return x.Clone(), nil
	}
	out := tensor.New(x.Shape...)
	d.mask = make([]float64, len(x.Data))
	keep := 1 / (1 - d.p)
	for i, v := range x.Data {
		if d.rng.Float64() >= d.p {
			d.mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	return out, nil
}

func (d *Dropout) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return gradOut.Clone(), nil
	}
	if len(gradOut.Data) != len(d.mask) {
		return nil, fmt.Errorf("%s: gradient has %d values, want %d", d.Tag(), len(gradOut.Data), len(d.mask))
	}
	dx := tensor.New(gradOut.Shape...)
	for i, g := range gradOut.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx, nil
}

func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) Tag() string { return fmt.Sprintf("Dropout_%.2f", d.p) }
