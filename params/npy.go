package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fedpara_lib/tensor"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

const manifestName = "manifest.json"

// ExportNPY writes each tensor of b to dir/<name>.npy plus a manifest that
// records bundle order and shapes. Matrices are written two-dimensional,
// every other rank as a flat array.
func ExportNPY(dir string, b *Bundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	manifest := bundleFile{Version: FormatVersion}
	for _, e := range b.entries {
		if err := writeNPY(filepath.Join(dir, e.Name+".npy"), e.Tensor); err != nil {
			return fmt.Errorf("export %s: %w", e.Name, err)
		}
		manifest.Tensors = append(manifest.Tensors, TensorData{Name: e.Name, Shape: e.Tensor.Shape})
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0644)
}

func writeNPY(path string, t *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(t.Shape) == 2 && t.Size() > 0 {
		return npyio.Write(f, mat.NewDense(t.Shape[0], t.Shape[1], t.Data))
	}
	return npyio.Write(f, t.Data)
}

// ImportNPY reads a bundle written by ExportNPY.
func ImportNPY(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest bundleFile
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	b := New()
	for _, td := range manifest.Tensors {
		data, err := ReadNPY(filepath.Join(dir, td.Name+".npy"))
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", td.Name, err)
		}
		t, err := tensor.FromData(data, td.Shape...)
		if err != nil {
			return nil, fmt.Errorf("import %s: %w", td.Name, err)
		}
		b.Set(td.Name, t)
	}
	return b, nil
}

// ReadNPY reads a float64 .npy file of any shape as a flat slice.
func ReadNPY(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, err
	}
	var data []float64
	if err := r.Read(&data); err != nil {
		return nil, err
	}
	return data, nil
}
