// Package aggregate combines client parameter bundles into a new global bundle.
package aggregate

import (
	"errors"
	"fmt"

	"fedpara_lib/params"
)

var (
	ErrNoUpdates    = errors.New("no updates provided for aggregation")
	ErrNoSamples    = errors.New("updates carry no samples")
	ErrBadSampleNum = errors.New("negative sample count")
)

// Update is one client's contribution to a round.
type Update struct {
	ClientID   int
	Params     *params.Bundle
	NumSamples int
}

type Aggregator interface {
	Aggregate(updates []Update) (*params.Bundle, error)
}

// weights returns NumSamples_i / Σ NumSamples after checking every bundle
// shares the first one's layout.
func weights(updates []Update) ([]float64, error) {
	if len(updates) == 0 {
		return nil, ErrNoUpdates
	}
	total := 0
	for i, u := range updates {
		if u.NumSamples < 0 {
			return nil, fmt.Errorf("%w: update %d has %d", ErrBadSampleNum, i, u.NumSamples)
		}
		if err := updates[0].Params.SameLayout(u.Params); err != nil {
			return nil, fmt.Errorf("update %d (client %d): %w", i, u.ClientID, err)
		}
		total += u.NumSamples
	}
	if total == 0 {
		return nil, ErrNoSamples
	}
	w := make([]float64, len(updates))
	for i, u := range updates {
		w[i] = float64(u.NumSamples) / float64(total)
	}
	return w, nil
}
