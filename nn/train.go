package nn

import (
	"errors"
	"fmt"
	"time"

	"fedpara_lib/nn/layers"
	"fedpara_lib/tensor"
)

// ErrEmptyDataset is returned when training or evaluation receives no samples.
var ErrEmptyDataset = errors.New("empty dataset")

// Batch is one mini-batch of inputs with their class labels.
type Batch struct {
	X *tensor.Tensor // [batch, ...]
	Y []int
}

// EpochStats summarizes one pass over a set of batches.
type EpochStats struct {
	Loss     float64 // mean per-sample loss
	Samples  int
	Correct  int
	Forward  time.Duration
	Backward time.Duration
	Update   time.Duration
}

// Accuracy is Correct / Samples.
func (s EpochStats) Accuracy() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Samples)
}

// TrainEpoch runs forward, backward and an optimizer step for every batch.
func TrainEpoch(m Module, batches []Batch, opt *SGD) (EpochStats, error) {
	var stats EpochStats
	if len(batches) == 0 {
		return stats, ErrEmptyDataset
	}
	var loss CrossEntropyLoss
	params := m.Params()
	SetTraining(m, true)

	for i, b := range batches {
		layers.ZeroGrad(params)

		start := time.Now()
		logits, err := m.Forward(b.X)
		if err != nil {
			return stats, fmt.Errorf("batch %d forward: %w", i, err)
		}
		l, grad, err := loss.Forward(logits, b.Y)
		if err != nil {
			return stats, fmt.Errorf("batch %d: %w", i, err)
		}
		stats.Forward += time.Since(start)

		start = time.Now()
		if _, err := m.Backward(grad); err != nil {
			return stats, fmt.Errorf("batch %d backward: %w", i, err)
		}
		stats.Backward += time.Since(start)

		start = time.Now()
		if err := opt.Step(params); err != nil {
			return stats, err
		}
		stats.Update += time.Since(start)

		stats.Loss += l * float64(len(b.Y))
		stats.Samples += len(b.Y)
		stats.Correct += countCorrect(logits, b.Y)
	}
	stats.Loss /= float64(stats.Samples)
	return stats, nil
}

// Evaluate returns the mean per-sample loss and the accuracy over batches
// in evaluation mode. It fails with ErrEmptyDataset when there are no samples.
func Evaluate(m Module, batches []Batch) (loss, accuracy float64, err error) {
	var stats EpochStats
	var ce CrossEntropyLoss
	SetTraining(m, false)
	defer SetTraining(m, true)

	for i, b := range batches {
		if len(b.Y) == 0 {
			continue
		}
		logits, err := m.Forward(b.X)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d forward: %w", i, err)
		}
		l, _, err := ce.Forward(logits, b.Y)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", i, err)
		}
		stats.Loss += l * float64(len(b.Y))
		stats.Samples += len(b.Y)
		stats.Correct += countCorrect(logits, b.Y)
	}
	if stats.Samples == 0 {
		return 0, 0, ErrEmptyDataset
	}
	return stats.Loss / float64(stats.Samples), stats.Accuracy(), nil
}

func countCorrect(logits *tensor.Tensor, labels []int) int {
	n := 0
	for i, p := range Argmax(logits) {
		if p == labels[i] {
			n++
		}
	}
	return n
}
