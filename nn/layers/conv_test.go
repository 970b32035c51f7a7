package layers

import (
	"fmt"
	"testing"

	"fedpara_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestConv2D_Identity1x1(t *testing.T) {
	conv, err := NewConv2D(ConvGeometry{InChan: 1, OutChan: 1, Kernel: 1, Stride: 1}, true, rand.NewSource(1))
	require.NoError(t, err)
	conv.W.Value.Set(1.0, 0, 0, 0, 0)

	input := tensor.New(1, 3, 3)
	for i := range input.Data {
		input.Data[i] = float64(i + 1)
	}

	output, err := conv.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, output.Shape)
	assert.Equal(t, input.Data, output.Data)
}

func TestConv2D_StrideAndPadding(t *testing.T) {
	geom := ConvGeometry{InChan: 1, OutChan: 1, Kernel: 3, Stride: 2, Padding: 1}
	conv, err := NewConv2D(geom, false, rand.NewSource(1))
	require.NoError(t, err)
	for i := range conv.W.Value.Data {
		conv.W.Value.Data[i] = 1
	}

	input := tensor.New(1, 1, 4, 4)
	for i := range input.Data {
		input.Data[i] = 1
	}
	out, err := conv.Forward(input)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	// Top-left window overlaps the padding on two sides.
	assert.Equal(t, []float64{4, 6, 6, 9}, out.Data)
}

func TestConv2D_InvalidGeometry(t *testing.T) {
	_, err := NewConv2D(ConvGeometry{InChan: 1, OutChan: 1, Kernel: 3, Stride: 0}, false, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrInvalidDims)
}

func TestConv2D_Gradients(t *testing.T) {
	conv, err := NewConv2D(ConvGeometry{InChan: 2, OutChan: 3, Kernel: 3, Stride: 1, Padding: 1}, true, rand.NewSource(2))
	require.NoError(t, err)
	checkGradients(t, conv, randomTensor(rand.NewSource(3), 1, 2, 2, 4, 4), 4)
}

func TestLowRankCore_KernelMatchesContraction(t *testing.T) {
	core := newLowRankCore("W1", 3, 4, 2, 2, ActReLU, rand.NewSource(5))
	k := core.Kernel()
	require.Equal(t, []int{4, 3, 2, 2}, k.Shape)

	for o := 0; o < 4; o++ {
		for i := 0; i < 3; i++ {
			for z := 0; z < 2; z++ {
				for w := 0; w < 2; w++ {
					want := 0.0
					for x := 0; x < 2; x++ {
						for y := 0; y < 2; y++ {
							want += core.T.Value.At(x, y, z, w) * core.X.Value.At(x, o) * core.Y.Value.At(y, i)
						}
					}
					assert.InDelta(t, want, k.At(o, i, z, w), 1e-12)
				}
			}
		}
	}
}

func TestLowRankConv2D_Shapes(t *testing.T) {
	for _, ratio := range []float64{0, 0.4, 1} {
		conv, err := NewLowRankConv2D(ConvConfig{In: 16, Out: 32, Kernel: 3, Padding: 1, Ratio: ratio, Activation: ActReLU}, rand.NewSource(1))
		require.NoError(t, err)
		r := conv.Rank()
		assert.Equal(t, []int{r, r, 3, 3}, conv.W1.T.Value.Shape)
		assert.Equal(t, []int{r, 32}, conv.W1.X.Value.Shape)
		assert.Equal(t, []int{r, 16}, conv.W1.Y.Value.Shape)
		assert.Equal(t, []int{32, 16, 3, 3}, conv.EffectiveKernel().Shape)
		assert.LessOrEqual(t, conv.CompressionRatio(), 1.0)
		assert.InDelta(t, float64(LowRankConvParams(16, 32, 3, r))/(16*32*9), conv.CompressionRatio(), 1e-4)
		assert.Equal(t, fmt.Sprintf("LowRankConv2D_16_32_3_r%d", r), conv.Tag())
	}
}

func TestLowRankConv2D_ParamNames(t *testing.T) {
	conv, err := NewLowRankConv2D(ConvConfig{In: 4, Out: 4, Kernel: 3, Ratio: 0.1, Bias: true}, rand.NewSource(1))
	require.NoError(t, err)
	var names []string
	for _, p := range conv.Params() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"W1.T", "W1.X", "W1.Y", "W2.T", "W2.X", "W2.Y", "bias"}, names)
}

func TestLowRankConv2D_NonlinearBoundsKernel(t *testing.T) {
	cfg := ConvConfig{In: 8, Out: 8, Kernel: 3, Ratio: 1, AddNonlinear: true, Activation: ActReLU}
	conv, err := NewLowRankConv2D(cfg, rand.NewSource(8))
	require.NoError(t, err)
	for i := range conv.W1.T.Value.Data {
		conv.W1.T.Value.Data[i] *= 50
	}
	for _, v := range conv.EffectiveKernel().Data {
		assert.LessOrEqual(t, v, 1.0)
		assert.GreaterOrEqual(t, v, -1.0)
	}
}

func TestLowRankConv2D_InvalidConfig(t *testing.T) {
	_, err := NewLowRankConv2D(ConvConfig{In: 0, Out: 4, Kernel: 3}, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrInvalidDims)

	_, err = NewLowRankConv2D(ConvConfig{In: 4, Out: 4, Kernel: 3, Ratio: 2}, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrInvalidRatio)
}

func TestLowRankConv2D_Gradients(t *testing.T) {
	for _, nonlinear := range []bool{false, true} {
		cfg := ConvConfig{In: 2, Out: 3, Kernel: 3, Stride: 1, Padding: 1, Ratio: 0.5, Bias: true, AddNonlinear: nonlinear}
		conv, err := NewLowRankConv2D(cfg, rand.NewSource(9))
		require.NoError(t, err)
		checkGradients(t, conv, randomTensor(rand.NewSource(10), 1, 2, 2, 3, 3), 11)
	}
}
