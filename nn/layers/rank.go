package layers

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidDims is returned when a layer dimension or kernel size is not positive.
	ErrInvalidDims = errors.New("dimensions must be positive")
	// ErrInvalidRatio is returned when the compression ratio is outside [0, 1].
	ErrInvalidRatio = errors.New("ratio must be in [0, 1]")
	// ErrDegenerateRank is returned when the rank computation cannot produce a usable rank.
	ErrDegenerateRank = errors.New("degenerate low-rank computation")
)

// RankBounds returns the minimum and maximum rank of a Hadamard low-rank
// factorization of a dimIn x dimOut (x kernel x kernel) weight.
//
// rMin is the smallest rank whose Hadamard product of two factors can still
// reach full rank. rMax is the largest rank that keeps one factor pair at or
// below half of the dense parameter count; it is the floor of the positive
// root of k²r² + (dimIn+dimOut)r - dimIn·dimOut·k²/2 = 0.
func RankBounds(dimIn, dimOut, kernelSize int) (rMin, rMax int, err error) {
	if dimIn <= 0 || dimOut <= 0 || kernelSize <= 0 {
		return 0, 0, fmt.Errorf("%w: in=%d out=%d kernel=%d", ErrInvalidDims, dimIn, dimOut, kernelSize)
	}

	r1 := int(math.Ceil(math.Sqrt(float64(dimOut))))
	r2 := int(math.Ceil(math.Sqrt(float64(dimIn))))
	rMin = min(r1, r2)

	k2 := float64(kernelSize * kernelSize)
	target := float64(dimIn) * float64(dimOut) * k2
	a, b, c := k2, float64(dimIn+dimOut), -target/2
	disc := b*b - 4*a*c
	if disc < 0 || math.IsNaN(disc) || math.IsInf(disc, 0) {
		return 0, 0, fmt.Errorf("%w: discriminant %g for in=%d out=%d kernel=%d", ErrDegenerateRank, disc, dimIn, dimOut, kernelSize)
	}
	rMax = int(math.Floor((-b + math.Sqrt(disc)) / (2 * a)))
	return rMin, rMax, nil
}

const rankTolerance = 1e-9

// ComputeRank interpolates between the minimum and maximum rank.
// ratio 0 gives the strongest compression, ratio 1 the largest rank.
// kernelSize is 1 for fully-connected layers.
func ComputeRank(dimIn, dimOut int, ratio float64, kernelSize int) (int, error) {
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return 0, fmt.Errorf("%w: got %g", ErrInvalidRatio, ratio)
	}
	rMin, rMax, err := RankBounds(dimIn, dimOut, kernelSize)
	if err != nil {
		return 0, err
	}
	r := (1-ratio)*float64(rMin) + ratio*float64(rMax)
	// Interpolations that land on an integer may carry rounding error above it.
	rank := int(math.Ceil(r - rankTolerance))
	if rank < 1 {
		return 0, fmt.Errorf("%w: rank %d for in=%d out=%d kernel=%d", ErrDegenerateRank, rank, dimIn, dimOut, kernelSize)
	}
	return rank, nil
}

// LowRankLinearParams is the number of factor values of a LowRankLinear
// layer (two factor pairs, bias excluded).
func LowRankLinearParams(dimIn, dimOut, rank int) int {
	return 2 * rank * (dimIn + dimOut)
}

// LowRankConvParams is the number of factor values of a LowRankConv2D
// layer (two T/X/Y cores, bias excluded).
func LowRankConvParams(in, out, kernelSize, rank int) int {
	return 2 * (rank*rank*kernelSize*kernelSize + rank*(in+out))
}
