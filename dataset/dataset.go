// Package dataset holds in-memory labelled datasets and turns them into
// mini-batches.
package dataset

import (
	"errors"
	"fmt"

	"fedpara_lib/nn"
	"fedpara_lib/tensor"

	"golang.org/x/exp/rand"
)

var (
	ErrLabelCount = errors.New("feature rows and labels differ in count")
	ErrLabelRange = errors.New("label out of range")
)

// Dataset is a set of samples X[i] with class labels Y[i].
type Dataset struct {
	X          *tensor.Tensor // [N, ...]
	Y          []int
	NumClasses int
}

// New validates x and y and wraps them without copying.
func New(x *tensor.Tensor, y []int, numClasses int) (*Dataset, error) {
	if len(x.Shape) == 0 || x.Shape[0] != len(y) {
		return nil, fmt.Errorf("%w: features %v, %d labels", ErrLabelCount, x.Shape, len(y))
	}
	for i, l := range y {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("%w: sample %d has label %d, classes [0,%d)", ErrLabelRange, i, l, numClasses)
		}
	}
	return &Dataset{X: x, Y: y, NumClasses: numClasses}, nil
}

func (d *Dataset) Len() int { return len(d.Y) }

// SampleShape is the shape of a single sample.
func (d *Dataset) SampleShape() []int { return append([]int(nil), d.X.Shape[1:]...) }

func (d *Dataset) sampleSize() int { return tensor.Numel(d.X.Shape[1:]...) }

// Subset copies the samples at idx, in order.
func (d *Dataset) Subset(idx []int) *Dataset {
	size := d.sampleSize()
	x := tensor.New(append([]int{len(idx)}, d.X.Shape[1:]...)...)
	y := make([]int, len(idx))
	for i, j := range idx {
		copy(x.Data[i*size:(i+1)*size], d.X.Data[j*size:(j+1)*size])
		y[i] = d.Y[j]
	}
	return &Dataset{X: x, Y: y, NumClasses: d.NumClasses}
}

// Batches cuts the dataset into mini-batches of at most batchSize samples,
// shuffling sample order first when rng is non-nil.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand) []nn.Batch {
	if batchSize <= 0 || d.Len() == 0 {
		return nil
	}
	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var batches []nn.Batch
	for lo := 0; lo < len(order); lo += batchSize {
		hi := min(lo+batchSize, len(order))
		sub := d.Subset(order[lo:hi])
		batches = append(batches, nn.Batch{X: sub.X, Y: sub.Y})
	}
	return batches
}

// ClassCounts returns the number of samples per class.
func (d *Dataset) ClassCounts() []int {
	counts := make([]int, d.NumClasses)
	for _, l := range d.Y {
		counts[l]++
	}
	return counts
}
