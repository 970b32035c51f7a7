package layers

import (
	"fmt"
	"math"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// LowRankCore is one T/X/Y triple of a convolution kernel.
// Its reconstruction K[o,i,z,w] = Σ_{x,y} T[x,y,z,w]·X[x,o]·Y[y,i]
// has the dense kernel shape [out, in, k, k].
type LowRankCore struct {
	T *Param // [rank, rank, k, k]
	X *Param // [rank, out]
	Y *Param // [rank, in]

	in, out, k, rank int

	// a[s] = T_s·Y for every spatial offset s, cached by Kernel.
	a []*mat.Dense
}

func newLowRankCore(name string, in, out, k, rank int, act Activation, src rand.Source) *LowRankCore {
	c := &LowRankCore{
		T:    newParam(name+".T", rank, rank, k, k),
		X:    newParam(name+".X", rank, out),
		Y:    newParam(name+".Y", rank, in),
		in:   in,
		out:  out,
		k:    k,
		rank: rank,
	}
	kaimingNormal(c.T.Value, act, src)
	kaimingNormal(c.X.Value, act, src)
	kaimingNormal(c.Y.Value, act, src)
	return c
}

// slice gathers the [rank, rank] matrix T[:, :, s] of spatial offset s.
func (c *LowRankCore) slice(t *tensor.Tensor, s int) *mat.Dense {
	kk := c.k * c.k
	m := mat.NewDense(c.rank, c.rank, nil)
	for x := 0; x < c.rank; x++ {
		for y := 0; y < c.rank; y++ {
			m.Set(x, y, t.Data[(x*c.rank+y)*kk+s])
		}
	}
	return m
}

// Kernel reconstructs the dense [out, in, k, k] kernel.
func (c *LowRankCore) Kernel() *tensor.Tensor {
	kk := c.k * c.k
	xm := mat.NewDense(c.rank, c.out, c.X.Value.Data)
	ym := mat.NewDense(c.rank, c.in, c.Y.Value.Data)
	kernel := tensor.New(c.out, c.in, c.k, c.k)

	c.a = make([]*mat.Dense, kk)
	var ks mat.Dense
	for s := 0; s < kk; s++ {
		a := mat.NewDense(c.rank, c.in, nil)
		a.Mul(c.slice(c.T.Value, s), ym)
		c.a[s] = a
		ks.Mul(xm.T(), a)
		for o := 0; o < c.out; o++ {
			for i := 0; i < c.in; i++ {
				kernel.Data[(o*c.in+i)*kk+s] = ks.At(o, i)
			}
		}
	}
	return kernel
}

// backward accumulates T, X and Y gradients for a kernel gradient dK.
// Kernel must have been called since the last factor update.
func (c *LowRankCore) backward(dK *tensor.Tensor) {
	kk := c.k * c.k
	xm := mat.NewDense(c.rank, c.out, c.X.Value.Data)
	ym := mat.NewDense(c.rank, c.in, c.Y.Value.Data)
	gx := mat.NewDense(c.rank, c.out, c.X.Grad.Data)
	gy := mat.NewDense(c.rank, c.in, c.Y.Grad.Data)

	dks := mat.NewDense(c.out, c.in, nil)
	var dx, da, dt, dy mat.Dense
	for s := 0; s < kk; s++ {
		for o := 0; o < c.out; o++ {
			for i := 0; i < c.in; i++ {
				dks.Set(o, i, dK.Data[(o*c.in+i)*kk+s])
			}
		}
		// K_s = Xᵗ·A_s
		dx.Mul(c.a[s], dks.T())
		gx.Add(gx, &dx)
		da.Mul(xm, dks)

		// A_s = T_s·Y
		ts := c.slice(c.T.Value, s)
		dy.Mul(ts.T(), &da)
		gy.Add(gy, &dy)
		dt.Mul(&da, ym.T())
		for x := 0; x < c.rank; x++ {
			for y := 0; y < c.rank; y++ {
				c.T.Grad.Data[(x*c.rank+y)*kk+s] += dt.At(x, y)
			}
		}
	}
}

func (c *LowRankCore) params() []*Param { return []*Param{c.T, c.X, c.Y} }

// ConvConfig configures a LowRankConv2D.
type ConvConfig struct {
	In, Out      int
	Kernel       int
	Stride       int
	Padding      int
	Ratio        float64
	Bias         bool
	AddNonlinear bool
	Activation   Activation
}

// LowRankConv2D is a convolution whose kernel is the Hadamard product of two
// low-rank cores, K1⊙K2, or tanh(K1)⊙tanh(K2) with AddNonlinear set.
type LowRankConv2D struct {
	ConvGeometry

	W1, W2 *LowRankCore
	B      *Param // [out], nil without bias

	rank         int
	addNonlinear bool

	lastInput *tensor.Tensor
	lastShape []int
	k1, k2, k *tensor.Tensor // k1, k2 after the optional tanh
}

// NewLowRankConv2D derives the rank from cfg.Ratio and the kernel size and
// fails when it is below one.
func NewLowRankConv2D(cfg ConvConfig, src rand.Source) (*LowRankConv2D, error) {
	geom := ConvGeometry{InChan: cfg.In, OutChan: cfg.Out, Kernel: cfg.Kernel, Stride: cfg.Stride, Padding: cfg.Padding}
	if geom.Stride == 0 {
		geom.Stride = 1
	}
	if err := geom.validate(); err != nil {
		return nil, err
	}
	rank, err := ComputeRank(cfg.In, cfg.Out, cfg.Ratio, cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("low-rank conv %dx%dx%d: %w", cfg.In, cfg.Out, cfg.Kernel, err)
	}
	c := &LowRankConv2D{
		ConvGeometry: geom,
		W1:           newLowRankCore("W1", cfg.In, cfg.Out, cfg.Kernel, rank, cfg.Activation, src),
		W2:           newLowRankCore("W2", cfg.In, cfg.Out, cfg.Kernel, rank, cfg.Activation, src),
		rank:         rank,
		addNonlinear: cfg.AddNonlinear,
	}
	if cfg.Bias {
		c.B = newParam("bias", cfg.Out)
	}
	return c, nil
}

func (c *LowRankConv2D) Rank() int { return c.rank }

// EffectiveKernel reconstructs the effective [out, in, k, k] kernel.
func (c *LowRankConv2D) EffectiveKernel() *tensor.Tensor {
	c.compose()
	return c.k
}

func (c *LowRankConv2D) compose() {
	c.k1 = c.W1.Kernel()
	c.k2 = c.W2.Kernel()
	if c.addNonlinear {
		c.k1 = tensor.Tanh(c.k1)
		c.k2 = tensor.Tanh(c.k2)
	}
	c.k, _ = tensor.Mul(c.k1, c.k2)
}

func (c *LowRankConv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	xb, err := asImageBatch(x, c.InChan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Tag(), err)
	}
	c.compose()
	c.lastInput = xb
	c.lastShape = x.Shape
	return conv2dForward(xb, c.k, biasOf(c.B), c.ConvGeometry), nil
}

func (c *LowRankConv2D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastInput == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", c.Tag())
	}
	dK := tensor.New(c.k.Shape...)
	dx, err := conv2dBackward(c.lastInput, c.k, gradOut, c.ConvGeometry, dK, gradOf(c.B))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Tag(), err)
	}

	dK1, _ := tensor.Mul(dK, c.k2)
	dK2, _ := tensor.Mul(dK, c.k1)
	if c.addNonlinear {
		// d tanh(u)/du = 1 - tanh(u)²
		for i, t := range c.k1.Data {
			dK1.Data[i] *= 1 - t*t
		}
		for i, t := range c.k2.Data {
			dK2.Data[i] *= 1 - t*t
		}
	}
	c.W1.backward(dK1)
	c.W2.backward(dK2)

	return dx.Reshape(c.lastShape...)
}

func (c *LowRankConv2D) Params() []*Param {
	ps := append(c.W1.params(), c.W2.params()...)
	if c.B != nil {
		ps = append(ps, c.B)
	}
	return ps
}

func (c *LowRankConv2D) Tag() string {
	return fmt.Sprintf("LowRankConv2D_%d_%d_%d_r%d", c.InChan, c.OutChan, c.Kernel, c.rank)
}

// CompressionRatio is the factor count over the dense kernel count.
func (c *LowRankConv2D) CompressionRatio() float64 {
	dense := float64(c.InChan * c.OutChan * c.Kernel * c.Kernel)
	return math.Round(float64(LowRankConvParams(c.InChan, c.OutChan, c.Kernel, c.rank))/dense*1e4) / 1e4
}
