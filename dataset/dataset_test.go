package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"fedpara_lib/tensor"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(tensor.New(3, 2), []int{0, 1}, 2)
	assert.ErrorIs(t, err, ErrLabelCount)

	_, err = New(tensor.New(2, 2), []int{0, 2}, 2)
	assert.ErrorIs(t, err, ErrLabelRange)
}

func TestSubsetAndBatches(t *testing.T) {
	x := tensor.New(5, 2)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	d, err := New(x, []int{0, 1, 0, 1, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, d.ClassCounts())

	sub := d.Subset([]int{4, 0})
	assert.Equal(t, []float64{8, 9, 0, 1}, sub.X.Data)
	assert.Equal(t, []int{1, 0}, sub.Y)

	batches := d.Batches(2, nil)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{2, 2}, batches[0].X.Shape)
	assert.Equal(t, []int{1, 2}, batches[2].X.Shape)

	shuffled := d.Batches(2, rand.New(rand.NewSource(1)))
	total := 0
	for _, b := range shuffled {
		total += len(b.Y)
	}
	assert.Equal(t, 5, total)

	assert.Nil(t, d.Subset(nil).Batches(2, nil))
}

func TestSynthetic(t *testing.T) {
	cfg := SyntheticConfig{Samples: 40, NumClasses: 4, Shape: []int{1, 2, 2}, Separation: 3, Noise: 0.1}
	d, err := Synthetic(cfg, rand.NewSource(5))
	require.NoError(t, err)
	assert.Equal(t, []int{40, 1, 2, 2}, d.X.Shape)
	assert.Equal(t, []int{1, 2, 2}, d.SampleShape())
	assert.Equal(t, []int{10, 10, 10, 10}, d.ClassCounts())

	again, err := Synthetic(cfg, rand.NewSource(5))
	require.NoError(t, err)
	assert.Equal(t, d.X.Data, again.X.Data)

	_, err = Synthetic(SyntheticConfig{Samples: 0, NumClasses: 2, Shape: []int{2}}, rand.NewSource(1))
	assert.Error(t, err)
}

func writeNPY(t *testing.T, path string, v any) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, npyio.Write(f, v))
}

func TestLoadNPY(t *testing.T) {
	dir := t.TempDir()
	xPath, yPath := filepath.Join(dir, "x.npy"), filepath.Join(dir, "y.npy")
	writeNPY(t, xPath, mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}))
	writeNPY(t, yPath, []int64{2, 0, 1})

	d, err := LoadNPY(xPath, yPath, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, d.X.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, d.X.Data)
	assert.Equal(t, []int{2, 0, 1}, d.Y)

	_, err = LoadNPY(xPath, yPath, 2)
	assert.ErrorIs(t, err, ErrLabelRange)

	_, err = LoadNPY(filepath.Join(dir, "missing.npy"), yPath, 3)
	assert.Error(t, err)
}
