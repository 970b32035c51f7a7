package layers

import "fedpara_lib/tensor"

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensor.New(shape...),
		Grad:  tensor.New(shape...),
	}
}

// Prefixed returns a view of p whose name is prefix + "." + p.Name.
// Value and Grad are shared with p.
func (p *Param) Prefixed(prefix string) *Param {
	return &Param{Name: prefix + "." + p.Name, Value: p.Value, Grad: p.Grad}
}

// ZeroGrad clears the accumulated gradient of every param.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// CountParams sums the number of scalar values held by params.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Size()
	}
	return n
}
