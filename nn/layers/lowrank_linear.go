package layers

import (
	"fmt"

	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// LowRankFactor is one learnable factor pair of a linear weight.
// Its reconstruction Y·Xᵗ has the dense weight shape [dimOut, dimIn].
type LowRankFactor struct {
	X *Param // [dimIn, rank]
	Y *Param // [dimOut, rank]

	dimIn, dimOut, rank int
}

func newLowRankFactor(name string, dimIn, dimOut, rank int, act Activation, src rand.Source) *LowRankFactor {
	f := &LowRankFactor{
		X:      newParam(name+".X", dimIn, rank),
		Y:      newParam(name+".Y", dimOut, rank),
		dimIn:  dimIn,
		dimOut: dimOut,
		rank:   rank,
	}
	kaimingNormal(f.X.Value, act, src)
	kaimingNormal(f.Y.Value, act, src)
	return f
}

// Weight reconstructs the dense [dimOut, dimIn] matrix Y·Xᵗ.
func (f *LowRankFactor) Weight() *tensor.Tensor {
	w := tensor.New(f.dimOut, f.dimIn)
	wm := mat.NewDense(f.dimOut, f.dimIn, w.Data)
	wm.Mul(mat.NewDense(f.dimOut, f.rank, f.Y.Value.Data), mat.NewDense(f.dimIn, f.rank, f.X.Value.Data).T())
	return w
}

// backward accumulates the factor gradients for a weight gradient dW [dimOut, dimIn].
func (f *LowRankFactor) backward(dW *tensor.Tensor) {
	dw := mat.NewDense(f.dimOut, f.dimIn, dW.Data)
	x := mat.NewDense(f.dimIn, f.rank, f.X.Value.Data)
	y := mat.NewDense(f.dimOut, f.rank, f.Y.Value.Data)

	var dy, dx mat.Dense
	dy.Mul(dw, x)
	dx.Mul(dw.T(), y)

	gy := mat.NewDense(f.dimOut, f.rank, f.Y.Grad.Data)
	gy.Add(gy, &dy)
	gx := mat.NewDense(f.dimIn, f.rank, f.X.Grad.Data)
	gx.Add(gx, &dx)
}

func (f *LowRankFactor) params() []*Param { return []*Param{f.X, f.Y} }

// LowRankLinear is a fully-connected layer whose weight is the Hadamard
// product of two low-rank reconstructions, W = W1⊙W2. With personalized set
// the weight is W1⊙W2 + W1, the W1 term acting as a client-local residual.
type LowRankLinear struct {
	W1, W2 *LowRankFactor
	B      *Param // [dimOut], nil without bias

	dimIn, dimOut, rank int
	personalized        bool

	lastInput *tensor.Tensor
	lastShape []int
	w1, w2, w *tensor.Tensor
}

// NewLowRankLinear derives the rank from ratio and initializes both factor
// pairs with fan-out Kaiming normal values for act. The bias starts at zero.
func NewLowRankLinear(dimIn, dimOut int, ratio float64, act Activation, bias, personalized bool, src rand.Source) (*LowRankLinear, error) {
	rank, err := ComputeRank(dimIn, dimOut, ratio, 1)
	if err != nil {
		return nil, fmt.Errorf("low-rank linear %dx%d: %w", dimIn, dimOut, err)
	}
	l := &LowRankLinear{
		W1:           newLowRankFactor("w1", dimIn, dimOut, rank, act, src),
		W2:           newLowRankFactor("w2", dimIn, dimOut, rank, act, src),
		dimIn:        dimIn,
		dimOut:       dimOut,
		rank:         rank,
		personalized: personalized,
	}
	if bias {
		l.B = newParam("bias", dimOut)
	}
	return l, nil
}

// Rank is the rank of each factor pair.
func (l *LowRankLinear) Rank() int { return l.rank }

// Personalized reports whether the W1 residual is added to the weight.
func (l *LowRankLinear) Personalized() bool { return l.personalized }

// Weight reconstructs the effective dense [dimOut, dimIn] weight.
func (l *LowRankLinear) Weight() *tensor.Tensor {
	w, _, _ := l.compose()
	return w
}

func (l *LowRankLinear) compose() (w, w1, w2 *tensor.Tensor) {
	w1 = l.W1.Weight()
	w2 = l.W2.Weight()
	w, _ = tensor.Mul(w1, w2)
	if l.personalized {
		_ = w.AddScaled(1, w1)
	}
	return w, w1, w2
}

// Forward computes x·Wᵗ + b for x [batch, dimIn] or [dimIn].
func (l *LowRankLinear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	xb, err := asBatch(x, l.dimIn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Tag(), err)
	}
	l.w, l.w1, l.w2 = l.compose()
	l.lastInput = xb
	l.lastShape = x.Shape
	return linearForward(xb, l.w, biasOf(l.B)), nil
}

// Backward propagates through the Hadamard product into both factor pairs.
func (l *LowRankLinear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("%s: no cached input for backward pass", l.Tag())
	}
	g, err := asBatch(gradOut, l.dimOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Tag(), err)
	}

	dW := tensor.New(l.dimOut, l.dimIn)
	dx := linearBackward(l.lastInput, l.w, g, dW, gradOf(l.B))

	dW1, _ := tensor.Mul(dW, l.w2)
	if l.personalized {
		_ = dW1.AddScaled(1, dW)
	}
	dW2, _ := tensor.Mul(dW, l.w1)
	l.W1.backward(dW1)
	l.W2.backward(dW2)

	return dx.Reshape(l.lastShape...)
}

func (l *LowRankLinear) Params() []*Param {
	ps := append(l.W1.params(), l.W2.params()...)
	if l.B != nil {
		ps = append(ps, l.B)
	}
	return ps
}

func (l *LowRankLinear) Tag() string {
	return fmt.Sprintf("LowRankLinear_%d_%d_r%d", l.dimIn, l.dimOut, l.rank)
}
