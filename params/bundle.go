// Package params holds Bundle, the ordered name -> tensor mapping exchanged
// between clients and the aggregator, and its JSON and .npy codecs.
package params

import (
	"errors"
	"fmt"
	"strings"

	"fedpara_lib/tensor"
)

var (
	// ErrMissingTensor is returned when a bundle lacks an expected name.
	ErrMissingTensor = errors.New("missing tensor")
	// ErrShapeMismatch is returned when two tensors of the same name differ in shape.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Entry is one named tensor of a Bundle.
type Entry struct {
	Name   string
	Tensor *tensor.Tensor
}

// Bundle is an ordered mapping from tensor path (e.g. "fc1.w1.X") to value.
type Bundle struct {
	entries []Entry
	index   map[string]int
}

func New() *Bundle { return &Bundle{index: make(map[string]int)} }

// Set stores a copy of t under name, replacing any previous value in place.
func (b *Bundle) Set(name string, t *tensor.Tensor) {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if i, ok := b.index[name]; ok {
		b.entries[i].Tensor = t.Clone()
		return
	}
	b.index[name] = len(b.entries)
	b.entries = append(b.entries, Entry{Name: name, Tensor: t.Clone()})
}

// Get returns the stored tensor without copying.
func (b *Bundle) Get(name string) (*tensor.Tensor, bool) {
	i, ok := b.index[name]
	if !ok {
		return nil, false
	}
	return b.entries[i].Tensor, true
}

func (b *Bundle) Len() int { return len(b.entries) }

// Names lists the tensor paths in insertion order.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.entries))
	for i, e := range b.entries {
		names[i] = e.Name
	}
	return names
}

// Entries returns the entries in insertion order. Tensors are shared.
func (b *Bundle) Entries() []Entry { return append([]Entry(nil), b.entries...) }

// Clone deep-copies the bundle.
func (b *Bundle) Clone() *Bundle {
	out := New()
	for _, e := range b.entries {
		out.Set(e.Name, e.Tensor)
	}
	return out
}

// Filter returns a copy holding only the entries keep accepts.
func (b *Bundle) Filter(keep func(name string) bool) *Bundle {
	out := New()
	for _, e := range b.entries {
		if keep(e.Name) {
			out.Set(e.Name, e.Tensor)
		}
	}
	return out
}

// WithPrefix keeps entries whose name starts with any of prefixes.
func (b *Bundle) WithPrefix(prefixes ...string) *Bundle {
	return b.Filter(func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	})
}

// NumValues is the total number of scalars across all tensors.
func (b *Bundle) NumValues() int {
	n := 0
	for _, e := range b.entries {
		n += e.Tensor.Size()
	}
	return n
}

// Flatten concatenates every tensor in order.
func (b *Bundle) Flatten() []float64 {
	out := make([]float64, 0, b.NumValues())
	for _, e := range b.entries {
		out = append(out, e.Tensor.Data...)
	}
	return out
}

// Unflatten returns a bundle with the names and shapes of b and values taken
// from flat, which must hold exactly NumValues scalars.
func (b *Bundle) Unflatten(flat []float64) (*Bundle, error) {
	if len(flat) != b.NumValues() {
		return nil, fmt.Errorf("unflatten: %d values for a bundle of %d", len(flat), b.NumValues())
	}
	out := New()
	off := 0
	for _, e := range b.entries {
		n := e.Tensor.Size()
		t, err := tensor.FromData(flat[off:off+n], e.Tensor.Shape...)
		if err != nil {
			return nil, fmt.Errorf("unflatten %s: %w", e.Name, err)
		}
		out.Set(e.Name, t)
		off += n
	}
	return out, nil
}

// SameLayout reports an error unless o has the same names, order and shapes as b.
func (b *Bundle) SameLayout(o *Bundle) error {
	if b.Len() != o.Len() {
		return fmt.Errorf("%w: %d tensors vs %d", ErrShapeMismatch, b.Len(), o.Len())
	}
	for i, e := range b.entries {
		oe := o.entries[i]
		if e.Name != oe.Name {
			return fmt.Errorf("%w: %q at position %d, got %q", ErrMissingTensor, e.Name, i, oe.Name)
		}
		if !tensor.SameShape(e.Tensor, oe.Tensor) {
			return fmt.Errorf("%w: %s %v vs %v", ErrShapeMismatch, e.Name, e.Tensor.Shape, oe.Tensor.Shape)
		}
	}
	return nil
}
