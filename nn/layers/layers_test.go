package layers

import (
	"testing"

	"fedpara_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestParseActivation(t *testing.T) {
	cases := map[string]Activation{
		"relu": ActReLU, "ReLU": ActReLU, "leakyrelu": ActLeakyReLU, "leaky_relu": ActLeakyReLU,
		"tanh": ActTanh, "sigmoid": ActSigmoid, "linear": ActLinear,
	}
	for in, want := range cases {
		got, err := ParseActivation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseActivation("gelu")
	assert.ErrorIs(t, err, ErrUnknownActivation)
}

func TestActivationGain(t *testing.T) {
	assert.InDelta(t, 1.41421356, ActReLU.Gain(), 1e-6)
	assert.InDelta(t, 1.41421356, ActLeakyReLU.Gain(), 1e-6)
	assert.InDelta(t, 5.0/3, ActTanh.Gain(), 1e-12)
	assert.Equal(t, 1.0, ActSigmoid.Gain())
}

func TestNonlinearity_Forward(t *testing.T) {
	x, err := tensor.FromData([]float64{-2, -0.5, 0, 1.5}, 1, 4)
	require.NoError(t, err)

	out, err := NewReLU().Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 1.5}, out.Data)

	out, err = NewNonlinearity(ActLeakyReLU).Forward(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-0.02, -0.005, 0, 1.5}, out.Data, 1e-12)
}

func TestNonlinearity_Gradients(t *testing.T) {
	for _, act := range []Activation{ActReLU, ActLeakyReLU, ActTanh, ActSigmoid, ActLinear} {
		checkGradients(t, NewNonlinearity(act), randomTensor(rand.NewSource(1), 1, 3, 5), 2)
	}
}

func TestMaxPool2D(t *testing.T) {
	x := tensor.New(1, 1, 4, 4)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	pool := NewMaxPool2D(2)
	out, err := pool.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float64{5, 7, 13, 15}, out.Data)

	dx, err := pool.Backward(tensor.NewWithData([]float64{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, dx.Data[5])
	assert.Equal(t, 4.0, dx.Data[15])
	assert.Equal(t, 0.0, dx.Data[0])
}

func TestAvgPool2D_Gradients(t *testing.T) {
	checkGradients(t, NewAvgPool2D(2), randomTensor(rand.NewSource(4), 1, 2, 3, 4, 4), 5)
}

func TestMaxPool2D_Gradients(t *testing.T) {
	checkGradients(t, NewMaxPool2D(2), randomTensor(rand.NewSource(6), 1, 2, 2, 4, 4), 7)
}

func TestFlatten(t *testing.T) {
	f := NewFlatten()
	x := tensor.New(2, 3, 2, 2)
	out, err := f.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, out.Shape)

	g, err := f.Backward(out)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2, 2}, g.Shape)

	_, err = f.Forward(tensor.New(5))
	assert.Error(t, err)
}

func TestGroupNorm_NormalizesGroups(t *testing.T) {
	gn, err := NewGroupNorm(2, 4)
	require.NoError(t, err)
	x := randomTensor(rand.NewSource(8), 3, 2, 4, 3, 3)

	out, err := gn.Forward(x)
	require.NoError(t, err)
	// Each (sample, group) block of 2 channels x 9 pixels has zero mean.
	for block := 0; block < 4; block++ {
		sum := 0.0
		for _, v := range out.Data[block*18 : (block+1)*18] {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-9)
	}

	_, err = NewGroupNorm(3, 4)
	assert.ErrorIs(t, err, ErrInvalidDims)
}

func TestGroupNorm_Gradients(t *testing.T) {
	gn, err := NewGroupNorm(2, 4)
	require.NoError(t, err)
	for i := range gn.Weight.Value.Data {
		gn.Weight.Value.Data[i] = 0.5 + float64(i)
		gn.Bias.Value.Data[i] = float64(i) / 10
	}
	checkGradients(t, gn, randomTensor(rand.NewSource(9), 1, 2, 4, 2, 2), 10)
}

func TestDropout(t *testing.T) {
	d := NewDropout(0.5, rand.NewSource(12))
	x := tensor.New(1, 1000)
	for i := range x.Data {
		x.Data[i] = 1
	}
	out, err := d.Forward(x)
	require.NoError(t, err)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, 2.0, v)
		}
	}
	assert.InDelta(t, 500, zeros, 80)

	d.SetTraining(false)
	out, err = d.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, x.Data, out.Data)
}
