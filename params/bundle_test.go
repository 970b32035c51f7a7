package params

import (
	"path/filepath"
	"testing"

	"fedpara_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBundle(t *testing.T) *Bundle {
	t.Helper()
	b := New()
	x, err := tensor.FromData([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, err)
	b.Set("fc1.w1.X", x)
	b.Set("fc1.bias", tensor.NewWithData([]float64{0.5, -0.5}))
	k := tensor.New(2, 1, 2, 2)
	for i := range k.Data {
		k.Data[i] = float64(i) / 8
	}
	b.Set("features.0.W1.T", k)
	return b
}

func TestBundle_OrderAndCopy(t *testing.T) {
	b := sampleBundle(t)
	assert.Equal(t, []string{"fc1.w1.X", "fc1.bias", "features.0.W1.T"}, b.Names())

	src := tensor.NewWithData([]float64{1})
	b.Set("x", src)
	src.Data[0] = 99
	got, ok := b.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Data[0], "Set must copy")

	b.Set("fc1.w1.X", tensor.New(3, 2))
	assert.Equal(t, "fc1.w1.X", b.Names()[0], "replacing keeps position")

	_, ok = b.Get("missing")
	assert.False(t, ok)
}

func TestBundle_FilterAndPrefix(t *testing.T) {
	b := sampleBundle(t)
	assert.Equal(t, []string{"fc1.w1.X", "fc1.bias"}, b.WithPrefix("fc1.").Names())
	assert.Equal(t, []string{"features.0.W1.T"}, b.Filter(func(n string) bool { return n[0] == 'f' && n[1] == 'e' }).Names())
}

func TestBundle_FlattenUnflatten(t *testing.T) {
	b := sampleBundle(t)
	flat := b.Flatten()
	assert.Len(t, flat, b.NumValues())
	assert.Equal(t, 16, b.NumValues())

	back, err := b.Unflatten(flat)
	require.NoError(t, err)
	require.NoError(t, b.SameLayout(back))
	assert.Equal(t, flat, back.Flatten())

	_, err = b.Unflatten(flat[:3])
	assert.Error(t, err)
}

func TestBundle_SameLayout(t *testing.T) {
	b := sampleBundle(t)
	other := b.Clone()
	other.Set("fc1.bias", tensor.New(3))
	assert.ErrorIs(t, b.SameLayout(other), ErrShapeMismatch)

	reordered := New()
	for _, n := range []string{"fc1.bias", "fc1.w1.X", "features.0.W1.T"} {
		v, _ := b.Get(n)
		reordered.Set(n, v)
	}
	assert.ErrorIs(t, b.SameLayout(reordered), ErrMissingTensor)
}

func TestSaveLoad(t *testing.T) {
	b := sampleBundle(t)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, Save(path, b))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b.Names(), got.Names())
	require.NoError(t, b.SameLayout(got))
	assert.Equal(t, b.Flatten(), got.Flatten())

	_, err = Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestExportImportNPY(t *testing.T) {
	b := sampleBundle(t)
	dir := t.TempDir()
	require.NoError(t, ExportNPY(dir, b))
	assert.FileExists(t, filepath.Join(dir, "fc1.w1.X.npy"))
	assert.FileExists(t, filepath.Join(dir, "manifest.json"))

	flat, err := ReadNPY(filepath.Join(dir, "fc1.w1.X.npy"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, flat)

	got, err := ImportNPY(dir)
	require.NoError(t, err)
	require.NoError(t, b.SameLayout(got))
	assert.Equal(t, b.Flatten(), got.Flatten())
}
