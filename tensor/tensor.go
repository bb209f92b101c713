package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Operation is a node of the autograd graph. Backward must be built from
// differentiable operations so that gradients can be differentiated again.
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float64 tensor with optional gradient tracking.
type Tensor struct {
	Shape []int
	Data  []float64

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)", t.Shape, len(t.Data), t.requiresGrad)
}

// RequiresGrad reports whether gradients flow into this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as trainable (or frozen).
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// IsLeaf reports whether the tensor was created by the user rather than an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("Item called on tensor with %d elements", len(t.Data)))
	}
	return t.Data[0]
}

// Clone copies shape and data. The clone is a detached leaf.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// IsFinite reports whether every element is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// New creates a tensor from existing data. The slice is not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{1}
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := numElements(shape); n != len(data) {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// MustNew is New for statically known shapes.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return Full(0, shape...)
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Full creates a tensor filled with value.
func Full(value float64, shape ...int) *Tensor {
	if len(shape) == 0 {
		shape = []int{1}
	}
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	data := make([]float64, numElements(shape))
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Scalar creates a single-element tensor of shape [1].
func Scalar(value float64) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{value}}
}

// RandN draws standard-normal values from rng.
func RandN(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// RandNLike draws standard-normal values with the shape of t.
func RandNLike(rng *rand.Rand, t *Tensor) *Tensor {
	return RandN(rng, t.Shape...)
}
