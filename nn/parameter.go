// Package nn holds the parameter bookkeeping shared by the generator and
// discriminator networks: named parameters, layer groups and the small layers
// the models are assembled from.
package nn

import (
	"fmt"

	"github.com/tsawler/go-stylegan/tensor"
)

// Parameter is a named, trainable tensor. Group is the layer group the
// parameter belongs to ("convs.3", "to_rgbs.0", "style", ...); freeze control
// works on groups rather than on name patterns.
type Parameter struct {
	Name  string
	Group string
	Value *tensor.Tensor
}

// Trainable reports whether gradients are computed for the parameter.
func (p *Parameter) Trainable() bool {
	return p.Value.RequiresGrad()
}

func (p *Parameter) SetTrainable(flag bool) {
	p.Value.SetRequiresGrad(flag)
}

// Grad returns the accumulated gradient or nil.
func (p *Parameter) Grad() *tensor.Tensor {
	return p.Value.Grad()
}

func (p *Parameter) ZeroGrad() {
	p.Value.ZeroGrad()
}

// Network is anything that owns named parameters organised in layer groups.
type Network interface {
	Name() string
	Parameters() []*Parameter
	Group(name string) []*Parameter
	Groups() []string
}

// ParameterSet is the lookup table from layer group to parameters, built once
// when a network is constructed.
type ParameterSet struct {
	name   string
	params []*Parameter
	byName map[string]*Parameter
	groups map[string][]*Parameter
	order  []string
}

func NewParameterSet(name string) *ParameterSet {
	return &ParameterSet{
		name:   name,
		byName: make(map[string]*Parameter),
		groups: make(map[string][]*Parameter),
	}
}

// Register adds value as parameter name in the given layer group.
// Registering a name twice is a construction bug and panics.
func (s *ParameterSet) Register(group, name string, value *tensor.Tensor) *Parameter {
	if _, exists := s.byName[name]; exists {
		panic(fmt.Sprintf("%s: parameter %q registered twice", s.name, name))
	}
	value.SetRequiresGrad(true)
	p := &Parameter{Name: name, Group: group, Value: value}
	s.params = append(s.params, p)
	s.byName[name] = p
	if _, ok := s.groups[group]; !ok {
		s.order = append(s.order, group)
	}
	s.groups[group] = append(s.groups[group], p)
	return p
}

func (s *ParameterSet) Name() string { return s.name }

// Parameters returns every parameter in registration order.
func (s *ParameterSet) Parameters() []*Parameter {
	return s.params
}

// Group returns the parameters of one layer group, nil when unknown.
func (s *ParameterSet) Group(name string) []*Parameter {
	return s.groups[name]
}

// Groups returns the group names in registration order.
func (s *ParameterSet) Groups() []string {
	return s.order
}

func (s *ParameterSet) Lookup(name string) (*Parameter, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// ZeroGrad clears the gradients of every parameter of net.
func ZeroGrad(net Network) {
	for _, p := range net.Parameters() {
		p.ZeroGrad()
	}
}

// TrainableCount returns how many parameters of net are trainable.
func TrainableCount(net Network) int {
	n := 0
	for _, p := range net.Parameters() {
		if p.Trainable() {
			n++
		}
	}
	return n
}
