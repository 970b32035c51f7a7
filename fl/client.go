// Package fl simulates federated training rounds over in-process clients.
package fl

import (
	"context"
	"errors"
	"fmt"

	"fedpara_lib/dataset"
	"fedpara_lib/model"
	"fedpara_lib/nn"
	"fedpara_lib/params"

	"golang.org/x/exp/rand"
)

var ErrNoClients = errors.New("simulation needs at least one client")

// Hyperparams are sent by the server with every fit request.
type Hyperparams struct {
	EtaL          float64
	LearningDecay float64
	Momentum      float64
	WeightDecay   float64
	CurrRound     int
}

// LearningRate is EtaL·LearningDecay^(CurrRound-1).
func (h Hyperparams) LearningRate() float64 {
	return nn.LearningRate(h.EtaL, h.LearningDecay, h.CurrRound)
}

// FitResult is what a client returns after local training.
type FitResult struct {
	Params     *params.Bundle
	NumSamples int
	// Stats holds the last epoch's loss and accuracy and the time summed over all epochs.
	Stats nn.EpochStats
}

// Client owns one model replica and its local data.
type Client struct {
	ID        int
	Model     model.Model
	Train     *dataset.Dataset
	Test      *dataset.Dataset
	Epochs    int
	BatchSize int
	rng       *rand.Rand
}

func NewClient(id int, m model.Model, train, test *dataset.Dataset, epochs, batchSize int, seed uint64) *Client {
	return &Client{
		ID:        id,
		Model:     m,
		Train:     train,
		Test:      test,
		Epochs:    epochs,
		BatchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Fit loads the exchanged parameters from global (nil keeps the local
// state), trains Epochs local epochs with a fresh SGD optimizer and returns
// the exchanged parameters with the local sample count.
func (c *Client) Fit(ctx context.Context, global *params.Bundle, hp Hyperparams) (FitResult, error) {
	if global != nil {
		if err := c.Model.SetPersonalParams(global); err != nil {
			return FitResult{}, fmt.Errorf("client %d: set parameters: %w", c.ID, err)
		}
	}
	if c.Train == nil || c.Train.Len() == 0 {
		return FitResult{}, fmt.Errorf("client %d: %w", c.ID, nn.ErrEmptyDataset)
	}

	opt := nn.NewSGD(hp.LearningRate(), hp.Momentum, hp.WeightDecay)
	var total nn.EpochStats
	for epoch := 0; epoch < c.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return FitResult{}, err
		}
		stats, err := nn.TrainEpoch(c.Model, c.Train.Batches(c.BatchSize, c.rng), opt)
		if err != nil {
			return FitResult{}, fmt.Errorf("client %d epoch %d: %w", c.ID, epoch, err)
		}
		stats.Forward += total.Forward
		stats.Backward += total.Backward
		stats.Update += total.Update
		total = stats
	}
	return FitResult{Params: c.Model.PersonalParams(), NumSamples: c.Train.Len(), Stats: total}, nil
}

// Evaluate loads global (when non-nil) and scores the local test set.
func (c *Client) Evaluate(ctx context.Context, global *params.Bundle) (loss, accuracy float64, n int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	if global != nil {
		if err := c.Model.SetPersonalParams(global); err != nil {
			return 0, 0, 0, fmt.Errorf("client %d: set parameters: %w", c.ID, err)
		}
	}
	var batches []nn.Batch
	if c.Test != nil {
		batches = c.Test.Batches(c.BatchSize, nil)
		n = c.Test.Len()
	}
	loss, accuracy, err = nn.Evaluate(c.Model, batches)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("client %d: %w", c.ID, err)
	}
	return loss, accuracy, n, nil
}
