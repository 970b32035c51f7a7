// Package partition splits a labelled dataset across simulated clients with
// Dirichlet-distributed, non-IID class proportions.
package partition

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"
)

var (
	ErrEmptyLabels     = errors.New("labels must not be empty")
	ErrInvalidClients  = errors.New("number of clients must be positive")
	ErrInvalidClasses  = errors.New("number of classes must be positive")
	ErrInvalidAlpha    = errors.New("alpha must be positive and finite")
	ErrLabelOutOfRange = errors.New("label out of range")
	// ErrDrawLimit is returned when equal-size sampling exceeds its draw budget.
	ErrDrawLimit = errors.New("partition draw limit exceeded")
)

// Options configures Dirichlet.
type Options struct {
	NumClients int
	NumClasses int
	Alpha      float64
	// EqualSize gives every client exactly len(labels)/NumClients samples.
	EqualSize bool
	// MaxDraws bounds the random draws of equal-size sampling.
	// Zero means 1000 per label.
	MaxDraws int
}

func (o Options) validate(labels []int) error {
	if len(labels) == 0 {
		return ErrEmptyLabels
	}
	if o.NumClients <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidClients, o.NumClients)
	}
	if o.NumClasses <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidClasses, o.NumClasses)
	}
	if !(o.Alpha > 0) || math.IsInf(o.Alpha, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidAlpha, o.Alpha)
	}
	for i, l := range labels {
		if l < 0 || l >= o.NumClasses {
			return fmt.Errorf("%w: labels[%d] = %d, classes [0,%d)", ErrLabelOutOfRange, i, l, o.NumClasses)
		}
	}
	return nil
}

// Dirichlet assigns sample indices to clients. Each client draws a class
// proportion vector from Dirichlet(alpha·1). Without EqualSize every class is
// split across clients by the normalized proportions and every index is used
// exactly once. With EqualSize clients are filled to an equal quota by
// sampling classes from their own proportions; leftover indices are dropped.
// Each client's index list is shuffled before returning.
func Dirichlet(labels []int, opts Options, rng *rand.Rand) ([][]int, error) {
	if err := opts.validate(labels); err != nil {
		return nil, err
	}
	props := drawProportions(opts.NumClients, opts.NumClasses, opts.Alpha, rng)
	byClass := indicesByClass(labels, opts.NumClasses)

	var parts [][]int
	if opts.EqualSize {
		maxDraws := opts.MaxDraws
		if maxDraws <= 0 {
			maxDraws = 1000 * len(labels)
		}
		var err error
		if parts, err = equalSize(byClass, props, len(labels), maxDraws, rng); err != nil {
			return nil, err
		}
	} else {
		parts = proportional(byClass, props, rng)
	}

	for _, p := range parts {
		rng.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })
	}
	return parts, nil
}

// drawProportions returns one Dirichlet(alpha·1) row per client. A row that
// underflows to zero or NaN for tiny alpha is replaced by a uniform row.
func drawProportions(clients, classes int, alpha float64, rng *rand.Rand) [][]float64 {
	conc := make([]float64, classes)
	for i := range conc {
		conc[i] = alpha
	}
	dist := distmv.NewDirichlet(conc, rng)
	rows := make([][]float64, clients)
	for i := range rows {
		rows[i] = dist.Rand(nil)
		sum := 0.0
		for _, v := range rows[i] {
			sum += v
		}
		if !(sum > 0) || math.IsInf(sum, 0) {
			for k := range rows[i] {
				rows[i][k] = 1 / float64(classes)
			}
		}
	}
	return rows
}

func indicesByClass(labels []int, classes int) [][]int {
	out := make([][]int, classes)
	for i, l := range labels {
		out[l] = append(out[l], i)
	}
	return out
}

// proportional splits each shuffled class at int(cumsum(p[:,k])·n_k),
// dropping the last boundary so the final client takes the rest.
func proportional(byClass [][]int, props [][]float64, rng *rand.Rand) [][]int {
	clients := len(props)
	parts := make([][]int, clients)
	for k, idx := range byClass {
		idx = append([]int(nil), idx...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		col := make([]float64, clients)
		sum := 0.0
		for i := range props {
			col[i] = props[i][k]
			sum += col[i]
		}
		if !(sum > 0) {
			for i := range col {
				col[i] = 1
			}
			sum = float64(clients)
		}

		lo, cum := 0, 0.0
		for i := 0; i < clients; i++ {
			hi := len(idx)
			if i < clients-1 {
				cum += col[i] / sum
				hi = min(max(int(cum*float64(len(idx))), lo), len(idx))
			}
			parts[i] = append(parts[i], idx[lo:hi]...)
			lo = hi
		}
	}
	return parts
}

// equalSize fills every client to n/clients samples by inverse-transform
// sampling of its class CDF, redrawing when the class is exhausted.
func equalSize(byClass [][]int, props [][]float64, n, maxDraws int, rng *rand.Rand) ([][]int, error) {
	clients, classes := len(props), len(byClass)
	quota := n / clients

	cdf := make([][]float64, clients)
	for i, row := range props {
		cdf[i] = make([]float64, classes)
		cum := 0.0
		for k, v := range row {
			cum += v
			cdf[i][k] = cum
		}
	}

	parts := make([][]int, clients)
	for i := range parts {
		parts[i] = make([]int, 0, quota)
	}
	used := make([]int, classes)
	draws := 0
	for assigned := 0; assigned < quota*clients; {
		c := rng.Intn(clients)
		if len(parts[c]) >= quota {
			continue
		}
		for {
			draws++
			if draws > maxDraws {
				return nil, fmt.Errorf("%w: %d draws, %d of %d samples assigned", ErrDrawLimit, maxDraws, assigned, quota*clients)
			}
			k := sampleCDF(cdf[c], rng.Float64())
			if used[k] >= len(byClass[k]) {
				continue
			}
			parts[c] = append(parts[c], byClass[k][used[k]])
			used[k]++
			assigned++
			break
		}
	}
	return parts, nil
}

// sampleCDF returns the first class whose cumulative probability reaches u.
func sampleCDF(cdf []float64, u float64) int {
	for k, v := range cdf {
		if u <= v {
			return k
		}
	}
	return len(cdf) - 1
}
