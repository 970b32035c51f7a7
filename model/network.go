package model

import (
	"errors"
	"fmt"
	"strings"

	"fedpara_lib/nn"
	"fedpara_lib/nn/layers"
	"fedpara_lib/params"
	"fedpara_lib/tensor"
)

// ErrNothingExchanged is returned when a method selects no parameters of a model.
var ErrNothingExchanged = errors.New("method exchanges no parameters")

// Model is a trainable network with an explicit parameter exchange contract.
type Model interface {
	nn.Module
	Method() Method
	// StateBundle copies every parameter.
	StateBundle() *params.Bundle
	// LoadStateBundle overwrites every parameter; all names must be present.
	LoadStateBundle(b *params.Bundle) error
	// PersonalParams copies the subset exchanged under Method.
	PersonalParams() *params.Bundle
	// SetPersonalParams overwrites exactly the subset exchanged under Method.
	SetPersonalParams(b *params.Bundle) error
	Size() Size
}

// Size reports the number of trainable values and their in-memory footprint.
type Size struct {
	Params    int
	Megabytes float64
}

// MillionParams is Params / 1e6.
func (s Size) MillionParams() float64 { return float64(s.Params) / 1e6 }

// exchange implements the bundle methods of Model for a network whose
// parameters are listed by self.
type exchange struct {
	self   nn.Module
	method Method
	head   string // parameter prefix of the classifier head
}

func (e *exchange) Method() Method { return e.method }

// exchanged reports whether name crosses the client/aggregator boundary.
func (e *exchange) exchanged(name string) bool {
	switch e.method {
	case MethodPFedPara:
		return strings.Contains(name, ".w1.") || strings.Contains(name, ".W1.")
	case MethodFedPer:
		return strings.HasPrefix(name, e.head+".")
	}
	return true
}

func (e *exchange) validate() error {
	for _, p := range e.self.Params() {
		if e.exchanged(p.Name) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNothingExchanged, e.method)
}

func (e *exchange) StateBundle() *params.Bundle {
	b := params.New()
	for _, p := range e.self.Params() {
		b.Set(p.Name, p.Value)
	}
	return b
}

func (e *exchange) PersonalParams() *params.Bundle {
	b := params.New()
	for _, p := range e.self.Params() {
		if e.exchanged(p.Name) {
			b.Set(p.Name, p.Value)
		}
	}
	return b
}

func (e *exchange) LoadStateBundle(b *params.Bundle) error {
	return load(e.self.Params(), b, func(string) bool { return true })
}

func (e *exchange) SetPersonalParams(b *params.Bundle) error {
	return load(e.self.Params(), b, e.exchanged)
}

func (e *exchange) Size() Size {
	n := layers.CountParams(e.self.Params())
	return Size{Params: n, Megabytes: float64(n*8) / (1024 * 1024)}
}

// load copies the selected tensors of b into ps. b must hold exactly the
// selected names with matching shapes; nothing is written otherwise.
func load(ps []*layers.Param, b *params.Bundle, selected func(string) bool) error {
	var dst []*layers.Param
	var src []*tensor.Tensor
	for _, p := range ps {
		if !selected(p.Name) {
			continue
		}
		t, ok := b.Get(p.Name)
		if !ok {
			return fmt.Errorf("%w: %s", params.ErrMissingTensor, p.Name)
		}
		if !tensor.SameShape(t, p.Value) {
			return fmt.Errorf("%w: %s has %v, model expects %v", params.ErrShapeMismatch, p.Name, t.Shape, p.Value.Shape)
		}
		dst = append(dst, p)
		src = append(src, t)
	}
	if b.Len() != len(dst) {
		return fmt.Errorf("bundle has %d tensors, model expects %d", b.Len(), len(dst))
	}
	for i, p := range dst {
		copy(p.Value.Data, src[i].Data)
	}
	return nil
}
