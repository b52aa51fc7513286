package model

import (
	"sort"

	"github.com/instill-ai/landmark-backend/pkg/tensor"
)

// Params is an ordered set of named parameter tensors, keyed the same way as
// the checkpoint state dict.
type Params struct {
	names   []string
	tensors map[string]*tensor.Tensor
}

// NewParams returns an empty set.
func NewParams() *Params {
	return &Params{tensors: map[string]*tensor.Tensor{}}
}

// Add registers a tensor under name. Later loads write into the same tensor,
// so layers holding it observe the new values.
func (p *Params) Add(name string, t *tensor.Tensor) {
	if _, ok := p.tensors[name]; !ok {
		p.names = append(p.names, name)
	}
	p.tensors[name] = t
}

// Get returns the tensor registered under name.
func (p *Params) Get(name string) (*tensor.Tensor, bool) {
	t, ok := p.tensors[name]
	return t, ok
}

// Names returns the registration order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	return len(p.names)
}

// Merge returns a new set holding the parameters of all inputs.
func Merge(sets ...*Params) *Params {
	out := NewParams()
	for _, s := range sets {
		for _, name := range s.names {
			out.Add(name, s.tensors[name])
		}
	}
	return out
}

// StateDict returns the parameters keyed by name, sorted for stable output.
func (p *Params) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(p.tensors))
	names := p.Names()
	sort.Strings(names)
	for _, name := range names {
		out[name] = p.tensors[name]
	}
	return out
}
