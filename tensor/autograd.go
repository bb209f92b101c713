package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// record attaches op to out when any input tracks gradients.
func record(op Operation, out *Tensor, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

func mustSameShape(name string, a, b *Tensor) {
	if !shapesEqual(a.Shape, b.Shape) {
		panic(fmt.Sprintf("%s: shape mismatch %v vs %v", name, a.Shape, b.Shape))
	}
}

func isSuffix(suffix, shape []int) bool {
	if len(suffix) > len(shape) {
		return false
	}
	off := len(shape) - len(suffix)
	for i := range suffix {
		if suffix[i] != shape[off+i] {
			return false
		}
	}
	return true
}

// broadcastPair expands the smaller operand. Supported: equal shapes, a
// single-element operand, or an operand whose shape is a trailing suffix.
func broadcastPair(name string, a, b *Tensor) (*Tensor, *Tensor) {
	switch {
	case shapesEqual(a.Shape, b.Shape):
		return a, b
	case b.Numel() == 1 || isSuffix(b.Shape, a.Shape):
		return a, Expand(b, a.Shape)
	case a.Numel() == 1 || isSuffix(a.Shape, b.Shape):
		return Expand(a, b.Shape), b
	default:
		panic(fmt.Sprintf("%s: cannot broadcast %v and %v", name, a.Shape, b.Shape))
	}
}

// AddOp implements elementwise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	mustSameShape("AddOp", a, b)
	op.inputs = inputs
	out := Zeros(a.Shape...)
	floats.AddTo(out.Data, a.Data, b.Data)
	return record(op, out, a, b)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, gradOut}
}

// SubOp implements elementwise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	mustSameShape("SubOp", a, b)
	op.inputs = inputs
	out := Zeros(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return record(op, out, a, b)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, Neg(gradOut)}
}

// MulOp implements elementwise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	mustSameShape("MulOp", a, b)
	op.inputs = inputs
	out := Zeros(a.Shape...)
	floats.MulTo(out.Data, a.Data, b.Data)
	return record(op, out, a, b)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	return []*Tensor{Mul(gradOut, b), Mul(gradOut, a)}
}

// DivOp implements elementwise division.
type DivOp struct {
	inputs []*Tensor
}

func (op *DivOp) Inputs() []*Tensor { return op.inputs }

func (op *DivOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	mustSameShape("DivOp", a, b)
	op.inputs = inputs
	out := Zeros(a.Shape...)
	floats.DivTo(out.Data, a.Data, b.Data)
	return record(op, out, a, b)
}

func (op *DivOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	// d(a/b)/db = -a/b^2
	return []*Tensor{Div(gradOut, b), Neg(Div(Mul(gradOut, a), Mul(b, b)))}
}

// ScaleOp multiplies by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := Zeros(inputs[0].Shape...)
	floats.ScaleTo(out.Data, op.factor, inputs[0].Data)
	return record(op, out, inputs[0])
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.factor)}
}

// AddScalarOp adds a constant.
type AddScalarOp struct {
	inputs []*Tensor
	value  float64
}

func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := inputs[0].Clone()
	floats.AddConst(op.value, out.Data)
	return record(op, out, inputs[0])
}

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

// ExpandOp broadcasts a single-element or suffix-shaped tensor to shape.
type ExpandOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ExpandOp) Inputs() []*Tensor { return op.inputs }

func (op *ExpandOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	out := Zeros(op.shape...)
	period := a.Numel()
	if period != 1 && !isSuffix(a.Shape, op.shape) {
		panic(fmt.Sprintf("ExpandOp: cannot expand %v to %v", a.Shape, op.shape))
	}
	for i := range out.Data {
		out.Data[i] = a.Data[i%period]
	}
	return record(op, out, a)
}

func (op *ExpandOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{SumTo(gradOut, op.inputs[0].Shape)}
}

// SumToOp reduces a broadcast gradient back to shape.
type SumToOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *SumToOp) Inputs() []*Tensor { return op.inputs }

func (op *SumToOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	op.inputs = inputs
	out := Zeros(op.shape...)
	period := out.Numel()
	if period != 1 && !isSuffix(op.shape, a.Shape) {
		panic(fmt.Sprintf("SumToOp: cannot reduce %v to %v", a.Shape, op.shape))
	}
	for i, v := range a.Data {
		out.Data[i%period] += v
	}
	return record(op, out, a)
}

func (op *SumToOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Expand(gradOut, op.inputs[0].Shape)}
}

// MatMulOp implements 2-D matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	if a.Dim() != 2 || b.Dim() != 2 || a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("MatMulOp: incompatible shapes %v and %v", a.Shape, b.Shape))
	}
	op.inputs = inputs
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	var c mat.Dense
	c.Mul(mat.NewDense(m, k, a.Data), mat.NewDense(k, n, b.Data))
	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		copy(out.Data[i*n:(i+1)*n], c.RawRowView(i))
	}
	return record(op, out, a, b)
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	// dA = G B^T, dB = A^T G
	return []*Tensor{MatMul(gradOut, Transpose(b)), MatMul(Transpose(a), gradOut)}
}

// TransposeOp swaps the two axes of a matrix.
type TransposeOp struct {
	inputs []*Tensor
}

func (op *TransposeOp) Inputs() []*Tensor { return op.inputs }

func (op *TransposeOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	if a.Dim() != 2 {
		panic(fmt.Sprintf("TransposeOp: expected a matrix, got %v", a.Shape))
	}
	op.inputs = inputs
	rows, cols := a.Shape[0], a.Shape[1]
	out := Zeros(cols, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[j*rows+i] = a.Data[i*cols+j]
		}
	}
	return record(op, out, a)
}

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Transpose(gradOut)}
}

// SumOp reduces all elements to a tensor of shape [1].
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, Scalar(floats.Sum(inputs[0].Data)), inputs[0])
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Expand(gradOut, op.inputs[0].Shape)}
}

// splitAt views shape as [outer, shape[dim], inner].
func splitAt(shape []int, dim int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func dropDim(shape []int, dim int) []int {
	out := make([]int, 0, len(shape)-1)
	out = append(out, shape[:dim]...)
	out = append(out, shape[dim+1:]...)
	if len(out) == 0 {
		return []int{1}
	}
	return out
}

func checkDim(name string, shape []int, dim int) {
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("%s: dimension %d out of range for shape %v", name, dim, shape))
	}
}

// SumDimOp sums along one dimension, removing it.
type SumDimOp struct {
	inputs []*Tensor
	dim    int
}

func (op *SumDimOp) Inputs() []*Tensor { return op.inputs }

func (op *SumDimOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	checkDim("SumDimOp", a.Shape, op.dim)
	op.inputs = inputs
	outer, n, inner := splitAt(a.Shape, op.dim)
	out := Zeros(dropDim(a.Shape, op.dim)...)
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			src := a.Data[(o*n+j)*inner : (o*n+j+1)*inner]
			floats.Add(out.Data[o*inner:(o+1)*inner], src)
		}
	}
	return record(op, out, a)
}

func (op *SumDimOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{ExpandDim(gradOut, op.inputs[0].Shape, op.dim)}
}

// ExpandDimOp repeats its input along dim of the target shape.
type ExpandDimOp struct {
	inputs []*Tensor
	shape  []int
	dim    int
}

func (op *ExpandDimOp) Inputs() []*Tensor { return op.inputs }

func (op *ExpandDimOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	checkDim("ExpandDimOp", op.shape, op.dim)
	outer, n, inner := splitAt(op.shape, op.dim)
	if a.Numel() != outer*inner {
		panic(fmt.Sprintf("ExpandDimOp: input %v does not fit %v along dim %d", a.Shape, op.shape, op.dim))
	}
	op.inputs = inputs
	out := Zeros(op.shape...)
	for o := 0; o < outer; o++ {
		src := a.Data[o*inner : (o+1)*inner]
		for j := 0; j < n; j++ {
			copy(out.Data[(o*n+j)*inner:(o*n+j+1)*inner], src)
		}
	}
	return record(op, out, a)
}

func (op *ExpandDimOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Reshape(SumDim(gradOut, op.dim), op.inputs[0].Shape)}
}

// ReshapeOp changes the shape without touching the element order.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	if numElements(op.shape) != a.Numel() {
		panic(fmt.Sprintf("ReshapeOp: cannot reshape %v to %v", a.Shape, op.shape))
	}
	op.inputs = inputs
	out := &Tensor{Shape: append([]int(nil), op.shape...), Data: append([]float64(nil), a.Data...)}
	return record(op, out, a)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Reshape(gradOut, op.inputs[0].Shape)}
}

// SqrtOp implements the elementwise square root.
type SqrtOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SqrtOp) Inputs() []*Tensor { return op.inputs }

func (op *SqrtOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := Zeros(inputs[0].Shape...)
	for i, v := range inputs[0].Data {
		out.Data[i] = math.Sqrt(v)
	}
	op.output = out
	return record(op, out, inputs[0])
}

func (op *SqrtOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Div(Scale(gradOut, 0.5), op.output)}
}

// SigmoidOp implements the logistic function.
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := Zeros(inputs[0].Shape...)
	for i, v := range inputs[0].Data {
		out.Data[i] = sigmoid(v)
	}
	op.output = out
	return record(op, out, inputs[0])
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// s * (1 - s)
	s := op.output
	return []*Tensor{Mul(gradOut, Mul(s, AddScalar(Neg(s), 1)))}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// SoftplusOp implements log(1 + exp(x)).
type SoftplusOp struct {
	inputs []*Tensor
}

func (op *SoftplusOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftplusOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := Zeros(inputs[0].Shape...)
	for i, v := range inputs[0].Data {
		out.Data[i] = math.Max(v, 0) + math.Log1p(math.Exp(-math.Abs(v)))
	}
	return record(op, out, inputs[0])
}

func (op *SoftplusOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Mul(gradOut, Sigmoid(op.inputs[0]))}
}

// LeakyReLUOp implements max(x, slope*x).
type LeakyReLUOp struct {
	inputs []*Tensor
	slope  float64
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *LeakyReLUOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	out := Zeros(inputs[0].Shape...)
	for i, v := range inputs[0].Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = op.slope * v
		}
	}
	return record(op, out, inputs[0])
}

func (op *LeakyReLUOp) Backward(gradOut *Tensor) []*Tensor {
	// The mask is piecewise constant, so it carries no gradient of its own.
	mask := Zeros(op.inputs[0].Shape...)
	for i, v := range op.inputs[0].Data {
		if v > 0 {
			mask.Data[i] = 1
		} else {
			mask.Data[i] = op.slope
		}
	}
	return []*Tensor{Mul(gradOut, mask)}
}

// AtOp extracts one element (flat index) as a tensor of shape [1].
type AtOp struct {
	inputs []*Tensor
	index  int
}

func (op *AtOp) Inputs() []*Tensor { return op.inputs }

func (op *AtOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	if op.index < 0 || op.index >= a.Numel() {
		panic(fmt.Sprintf("AtOp: index %d out of range for %d elements", op.index, a.Numel()))
	}
	op.inputs = inputs
	return record(op, Scalar(a.Data[op.index]), a)
}

func (op *AtOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{ScatterAdd(gradOut, op.inputs[0].Shape, []int{op.index})}
}

// GatherOp selects elements by flat index: out[i] = a[index[i]].
type GatherOp struct {
	inputs []*Tensor
	index  []int
	shape  []int
}

func (op *GatherOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	if numElements(op.shape) != len(op.index) {
		panic(fmt.Sprintf("GatherOp: %d indices do not fill shape %v", len(op.index), op.shape))
	}
	op.inputs = inputs
	out := Zeros(op.shape...)
	for i, idx := range op.index {
		out.Data[i] = a.Data[idx]
	}
	return record(op, out, a)
}

func (op *GatherOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{ScatterAdd(gradOut, op.inputs[0].Shape, op.index)}
}

// ScatterAddOp is the adjoint of GatherOp: out[index[i]] += a[i].
type ScatterAddOp struct {
	inputs []*Tensor
	index  []int
	shape  []int
}

func (op *ScatterAddOp) Inputs() []*Tensor { return op.inputs }

func (op *ScatterAddOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	if a.Numel() != len(op.index) {
		panic(fmt.Sprintf("ScatterAddOp: %d indices for %d elements", len(op.index), a.Numel()))
	}
	op.inputs = inputs
	out := Zeros(op.shape...)
	for i, idx := range op.index {
		out.Data[idx] += a.Data[i]
	}
	return record(op, out, a)
}

func (op *ScatterAddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Gather(gradOut, op.index, op.inputs[0].Shape)}
}

// StackOp joins equally shaped tensors along a new dimension.
type StackOp struct {
	inputs []*Tensor
	dim    int
}

func (op *StackOp) Inputs() []*Tensor { return op.inputs }

func (op *StackOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("StackOp requires at least one input")
	}
	base := inputs[0].Shape
	for _, in := range inputs[1:] {
		if !shapesEqual(in.Shape, base) {
			panic(fmt.Sprintf("StackOp: shape mismatch %v vs %v", in.Shape, base))
		}
	}
	if op.dim < 0 || op.dim > len(base) {
		panic(fmt.Sprintf("StackOp: dimension %d out of range for shape %v", op.dim, base))
	}
	op.inputs = inputs
	shape := make([]int, 0, len(base)+1)
	shape = append(shape, base[:op.dim]...)
	shape = append(shape, len(inputs))
	shape = append(shape, base[op.dim:]...)
	outer, n, inner := splitAt(shape, op.dim)
	out := Zeros(shape...)
	for j, in := range inputs {
		for o := 0; o < outer; o++ {
			copy(out.Data[(o*n+j)*inner:(o*n+j+1)*inner], in.Data[o*inner:(o+1)*inner])
		}
	}
	return record(op, out, inputs...)
}

func (op *StackOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	for j, in := range op.inputs {
		grads[j] = Reshape(Select(gradOut, op.dim, j), in.Shape)
	}
	return grads
}

// SelectOp takes one slice along dim, removing the dimension.
type SelectOp struct {
	inputs []*Tensor
	dim    int
	index  int
}

func (op *SelectOp) Inputs() []*Tensor { return op.inputs }

func (op *SelectOp) Forward(inputs ...*Tensor) *Tensor {
	a := inputs[0]
	checkDim("SelectOp", a.Shape, op.dim)
	if op.index < 0 || op.index >= a.Shape[op.dim] {
		panic(fmt.Sprintf("SelectOp: index %d out of range for dimension %d of %v", op.index, op.dim, a.Shape))
	}
	op.inputs = inputs
	outer, n, inner := splitAt(a.Shape, op.dim)
	out := Zeros(dropDim(a.Shape, op.dim)...)
	for o := 0; o < outer; o++ {
		copy(out.Data[o*inner:(o+1)*inner], a.Data[(o*n+op.index)*inner:(o*n+op.index+1)*inner])
	}
	return record(op, out, a)
}

func (op *SelectOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	outer, n, inner := splitAt(a.Shape, op.dim)
	index := make([]int, 0, outer*inner)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			index = append(index, (o*n+op.index)*inner+i)
		}
	}
	return []*Tensor{ScatterAdd(gradOut, a.Shape, index)}
}
