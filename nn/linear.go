package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/tensor"
)

// Linear implements a fully connected layer: y = xW + b
type Linear struct {
	Weight *Parameter
	Bias   *Parameter
}

// NewLinear registers prefix.weight [in, out] and, optionally, prefix.bias
// [out] in the given layer group.
func NewLinear(set *ParameterSet, group, prefix string, in, out int, bias bool, biasInit float64, rng *rand.Rand) *Linear {
	l := &Linear{Weight: set.Register(group, prefix+".weight", xavierUniform(in, out, rng))}
	if bias {
		l.Bias = set.Register(group, prefix+".bias", tensor.Full(biasInit, out))
	}
	return l
}

// xavierUniform initialises a [in, out] weight with
// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
func xavierUniform(in, out int, rng *rand.Rand) *tensor.Tensor {
	bound := math.Sqrt(6.0 / float64(in+out))
	weight := tensor.Zeros(in, out)
	for i := range weight.Data {
		weight.Data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	return weight
}

// Forward expects input [batch, in].
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dim() != 2 {
		return nil, errors.Errorf("linear layer expects 2D input [batch, in], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.Weight.Value.Shape[0] {
		return nil, errors.Errorf("input size mismatch: expected %d, got %d", l.Weight.Value.Shape[0], input.Shape[1])
	}

	output := tensor.MatMul(input, l.Weight.Value)
	if l.Bias != nil {
		output = tensor.Add(output, l.Bias.Value)
	}
	return output, nil
}

// ModulatedLinear is the dense counterpart of a style-modulated convolution:
// the input features are scaled per sample by a style vector computed from
// the latent, then projected.
//
//	s  = w Wmod + bmod
//	y  = (x * s) W + b
type ModulatedLinear struct {
	Weight     *Parameter
	Bias       *Parameter
	Modulation *Linear
}

// NewModulatedLinear registers prefix.weight, prefix.modulation.{weight,bias}
// and prefix.bias in the given layer group. The modulation bias starts at 1
// so an untrained style leaves the input unscaled.
func NewModulatedLinear(set *ParameterSet, group, prefix string, in, out, styleDim int, rng *rand.Rand) *ModulatedLinear {
	m := &ModulatedLinear{Weight: set.Register(group, prefix+".weight", xavierUniform(in, out, rng))}
	m.Modulation = NewLinear(set, group, prefix+".modulation", styleDim, in, true, 1, rng)
	m.Bias = set.Register(group, prefix+".bias", tensor.Zeros(out))
	return m
}

// Forward computes the modulated projection of input [batch, in] with style
// latent w [batch, styleDim].
func (m *ModulatedLinear) Forward(input, w *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := m.Modulation.Forward(w)
	if err != nil {
		return nil, errors.Wrap(err, "modulation")
	}
	if !sameShape(s, input) {
		return nil, errors.Errorf("style shape %v does not match input %v", s.Shape, input.Shape)
	}
	out := tensor.MatMul(tensor.Mul(input, s), m.Weight.Value)
	return tensor.Add(out, m.Bias.Value), nil
}

func sameShape(a, b *tensor.Tensor) bool {
	if a.Dim() != b.Dim() {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
