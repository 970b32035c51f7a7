package layers

import (
	"math"
	"testing"

	"fedpara_lib/tensor"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

type layer interface {
	Forward(*tensor.Tensor) (*tensor.Tensor, error)
	Backward(*tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
}

func randomTensor(src rand.Source, scale float64, shape ...int) *tensor.Tensor {
	r := rand.New(src)
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = scale * (2*r.Float64() - 1)
	}
	return t
}

// weightedSum is the scalar objective Σ w·f(x) used by the gradient checks.
func weightedSum(t *testing.T, l layer, x, w *tensor.Tensor) float64 {
	out, err := l.Forward(x)
	require.NoError(t, err)
	require.Equal(t, len(w.Data), len(out.Data))
	s := 0.0
	for i, v := range out.Data {
		s += v * w.Data[i]
	}
	return s
}

// checkGradients compares the analytic gradients of l against central
// differences for the input and every parameter.
func checkGradients(t *testing.T, l layer, x *tensor.Tensor, seed uint64) {
	t.Helper()
	const eps, tol = 1e-6, 1e-5

	out, err := l.Forward(x)
	require.NoError(t, err)
	w := randomTensor(rand.NewSource(seed), 1, out.Shape...)

	ZeroGrad(l.Params())
	_, err = l.Forward(x)
	require.NoError(t, err)
	dx, err := l.Backward(w)
	require.NoError(t, err)
	require.Equal(t, x.Shape, dx.Shape)

	numeric := func(v []float64, i int) float64 {
		orig := v[i]
		v[i] = orig + eps
		plus := weightedSum(t, l, x, w)
		v[i] = orig - eps
		minus := weightedSum(t, l, x, w)
		v[i] = orig
		return (plus - minus) / (2 * eps)
	}
	near := func(want, got float64, what string, i int) {
		diff := math.Abs(want - got)
		require.LessOrEqualf(t, diff, tol*math.Max(1, math.Abs(want)), "%s[%d]: numeric %g, analytic %g", what, i, want, got)
	}

	for i := range x.Data {
		near(numeric(x.Data, i), dx.Data[i], "input", i)
	}
	for _, p := range l.Params() {
		grad := p.Grad.Clone()
		for i := range p.Value.Data {
			near(numeric(p.Value.Data, i), grad.Data[i], p.Name, i)
		}
	}
}
