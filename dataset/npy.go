package dataset

import (
	"fmt"
	"os"

	"fedpara_lib/tensor"

	"github.com/sbinet/npyio"
)

// LoadNPY reads features [N, ...] and integer labels [N] from two .npy files.
// Feature dtypes f4, f8 and u1 are accepted; labels may be any integer dtype.
func LoadNPY(featuresPath, labelsPath string, numClasses int) (*Dataset, error) {
	x, shape, err := readFloats(featuresPath)
	if err != nil {
		return nil, fmt.Errorf("features %s: %w", featuresPath, err)
	}
	labels, err := readInts(labelsPath)
	if err != nil {
		return nil, fmt.Errorf("labels %s: %w", labelsPath, err)
	}
	t, err := tensor.FromData(x, shape...)
	if err != nil {
		return nil, fmt.Errorf("features %s: %w", featuresPath, err)
	}
	return New(t, labels, numClasses)
}

func openNPY(path string) (*os.File, *npyio.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := npyio.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, r, nil
}

func readFloats(path string) ([]float64, []int, error) {
	f, r, err := openNPY(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	shape := append([]int(nil), r.Header.Descr.Shape...)
	switch r.Header.Descr.Type {
	case "<f8", "f8":
		var v []float64
		err = r.Read(&v)
		return v, shape, err
	case "<f4", "f4":
		var v []float32
		if err := r.Read(&v); err != nil {
			return nil, nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, shape, nil
	case "|u1", "u1":
		var v []uint8
		if err := r.Read(&v); err != nil {
			return nil, nil, err
		}
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x) / 255
		}
		return out, shape, nil
	}
	return nil, nil, fmt.Errorf("unsupported feature dtype %q", r.Header.Descr.Type)
}

func readInts(path string) ([]int, error) {
	f, r, err := openNPY(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []int
	switch r.Header.Descr.Type {
	case "<i8", "i8":
		var v []int64
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		for _, x := range v {
			out = append(out, int(x))
		}
	case "<i4", "i4":
		var v []int32
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		for _, x := range v {
			out = append(out, int(x))
		}
	case "|u1", "u1":
		var v []uint8
		if err := r.Read(&v); err != nil {
			return nil, err
		}
		for _, x := range v {
			out = append(out, int(x))
		}
	default:
		return nil, fmt.Errorf("unsupported label dtype %q", r.Header.Descr.Type)
	}
	return out, nil
}
