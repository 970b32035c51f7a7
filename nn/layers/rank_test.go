package layers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankBounds_KnownValues(t *testing.T) {
	rMin, rMax, err := RankBounds(784, 256, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, rMin)
	// r² + 1040r - 100352 = 0 -> r ≈ 88.9
	assert.Equal(t, 88, rMax)

	rMin, rMax, err = RankBounds(64, 128, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, rMin)
	// 9r² + 192r - 36864 = 0 -> r ≈ 54.3
	assert.Equal(t, 54, rMax)
}

func TestComputeRank_WithinBoundsAndMonotonic(t *testing.T) {
	dims := [][3]int{
		{784, 256, 1}, {256, 10, 1}, {512, 512, 1}, {3, 64, 3}, {64, 64, 3},
		{128, 256, 3}, {512, 512, 3}, {100, 7, 1}, {50, 50, 5},
	}
	for _, d := range dims {
		rMin, rMax, err := RankBounds(d[0], d[1], d[2])
		require.NoError(t, err)
		prev := 0
		for i := 0; i <= 20; i++ {
			ratio := float64(i) / 20
			r, err := ComputeRank(d[0], d[1], ratio, d[2])
			require.NoError(t, err, "dims %v ratio %g", d, ratio)
			assert.GreaterOrEqual(t, r, 1)
			assert.GreaterOrEqual(t, r, prev, "rank must not decrease with ratio, dims %v", d)
			if rMin <= rMax {
				assert.GreaterOrEqual(t, r, rMin, "dims %v ratio %g", d, ratio)
				assert.LessOrEqual(t, r, rMax, "dims %v ratio %g", d, ratio)
			}
			prev = r
		}
	}
}

func TestComputeRank_IntegerInterpolation(t *testing.T) {
	// rMin == rMax == 3; 0.8·3 + 0.2·3 rounds to 3.0000000000000004.
	r, err := ComputeRank(7, 64, 0.2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, r)

	for in := 1; in <= 600; in += 7 {
		for out := 1; out <= 600; out += 7 {
			for _, k := range []int{1, 3} {
				rMin, rMax, err := RankBounds(in, out, k)
				require.NoError(t, err)
				if rMin > rMax {
					continue
				}
				prev := 0
				for i := 0; i <= 100; i++ {
					ratio := float64(i) / 100
					r, err := ComputeRank(in, out, ratio, k)
					require.NoError(t, err)
					if r < rMin || r > rMax || r < prev {
						t.Fatalf("in=%d out=%d k=%d ratio=%g: rank %d, bounds [%d,%d], previous %d",
							in, out, k, ratio, r, rMin, rMax, prev)
					}
					prev = r
				}
			}
		}
	}
}

func TestComputeRank_DegenerateSmallLayer(t *testing.T) {
	// in=4 out=2: rMin 2, rMax 0.
	r, err := ComputeRank(4, 2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r)

	_, err = ComputeRank(4, 2, 1, 1)
	assert.ErrorIs(t, err, ErrDegenerateRank)
}

func TestComputeRank_Endpoints(t *testing.T) {
	rMin, rMax, err := RankBounds(512, 256, 3)
	require.NoError(t, err)

	r0, err := ComputeRank(512, 256, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, rMin, r0)

	r1, err := ComputeRank(512, 256, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, rMax, r1)
}

func TestComputeRank_Errors(t *testing.T) {
	_, err := ComputeRank(0, 10, 0.5, 1)
	assert.ErrorIs(t, err, ErrInvalidDims)

	_, err = ComputeRank(10, 10, 0.5, 0)
	assert.ErrorIs(t, err, ErrInvalidDims)

	_, err = ComputeRank(10, 10, -0.1, 1)
	assert.ErrorIs(t, err, ErrInvalidRatio)

	_, err = ComputeRank(10, 10, 1.5, 1)
	assert.ErrorIs(t, err, ErrInvalidRatio)

	_, err = ComputeRank(10, 10, math.NaN(), 1)
	assert.ErrorIs(t, err, ErrInvalidRatio)
}

func TestFactorizedParamCount(t *testing.T) {
	linear := [][2]int{{784, 256}, {256, 10}, {512, 512}, {1024, 100}}
	for _, d := range linear {
		dense := d[0] * d[1]

		r0, err := ComputeRank(d[0], d[1], 0, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, LowRankLinearParams(d[0], d[1], r0), dense, "ratio 0, dims %v", d)

		r1, err := ComputeRank(d[0], d[1], 1, 1)
		require.NoError(t, err)
		n1 := LowRankLinearParams(d[0], d[1], r1)
		assert.LessOrEqual(t, n1, dense, "ratio 1, dims %v", d)
		assert.Greater(t, float64(n1), 0.8*float64(dense), "ratio 1 should approach the dense count, dims %v", d)
	}

	conv := [][3]int{{64, 128, 3}, {128, 256, 3}, {512, 512, 3}}
	for _, d := range conv {
		dense := d[0] * d[1] * d[2] * d[2]

		r0, err := ComputeRank(d[0], d[1], 0, d[2])
		require.NoError(t, err)
		assert.LessOrEqual(t, LowRankConvParams(d[0], d[1], d[2], r0), dense, "ratio 0, dims %v", d)

		r1, err := ComputeRank(d[0], d[1], 1, d[2])
		require.NoError(t, err)
		n1 := LowRankConvParams(d[0], d[1], d[2], r1)
		assert.LessOrEqual(t, n1, dense, "ratio 1, dims %v", d)
		assert.Greater(t, float64(n1), 0.8*float64(dense), "ratio 1 should approach the dense count, dims %v", d)
	}
}
