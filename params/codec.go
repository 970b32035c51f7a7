package params

import (
	"encoding/json"
	"fmt"
	"os"

	"fedpara_lib/tensor"
)

// FormatVersion is written into every serialized bundle.
const FormatVersion = "1.0"

// TensorData is the serializable form of one named tensor.
type TensorData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// bundleFile is the on-disk JSON layout. Tensors keep bundle order.
type bundleFile struct {
	Version string       `json:"version"`
	Tensors []TensorData `json:"tensors"`
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	f := bundleFile{Version: FormatVersion, Tensors: make([]TensorData, 0, b.Len())}
	for _, e := range b.entries {
		f.Tensors = append(f.Tensors, TensorData{
			Name:  e.Name,
			Shape: e.Tensor.Shape,
			Data:  e.Tensor.Data,
		})
	}
	return json.Marshal(f)
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	var f bundleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*b = Bundle{index: make(map[string]int)}
	for _, td := range f.Tensors {
		t, err := tensor.FromData(td.Data, td.Shape...)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", td.Name, err)
		}
		b.Set(td.Name, t)
	}
	return nil
}

// Save writes b to path as indented JSON.
func Save(path string, b *Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load reads a bundle written by Save.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle file: %w", err)
	}
	b := New()
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}
	return b, nil
}
