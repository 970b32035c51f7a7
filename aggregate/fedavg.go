package aggregate

import (
	"fedpara_lib/params"

	"gonum.org/v1/gonum/floats"
)

// FedAvg is the sample-weighted mean of the client bundles.
type FedAvg struct{}

func NewFedAvg() Aggregator { return &FedAvg{} }

func (f *FedAvg) Aggregate(updates []Update) (*params.Bundle, error) {
	w, err := weights(updates)
	if err != nil {
		return nil, err
	}
	sum := make([]float64, updates[0].Params.NumValues())
	for i, u := range updates {
		floats.AddScaled(sum, w[i], u.Params.Flatten())
	}
	return updates[0].Params.Unflatten(sum)
}
