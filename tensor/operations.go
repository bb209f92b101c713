package tensor

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) *Tensor {
	a, b = broadcastPair("Add", a, b)
	return (&AddOp{}).Forward(a, b)
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) *Tensor {
	a, b = broadcastPair("Sub", a, b)
	return (&SubOp{}).Forward(a, b)
}

// Mul returns the elementwise product with broadcasting.
func Mul(a, b *Tensor) *Tensor {
	a, b = broadcastPair("Mul", a, b)
	return (&MulOp{}).Forward(a, b)
}

// Div returns the elementwise quotient with broadcasting.
func Div(a, b *Tensor) *Tensor {
	a, b = broadcastPair("Div", a, b)
	return (&DivOp{}).Forward(a, b)
}

func Scale(a *Tensor, factor float64) *Tensor {
	return (&ScaleOp{factor: factor}).Forward(a)
}

func AddScalar(a *Tensor, value float64) *Tensor {
	return (&AddScalarOp{value: value}).Forward(a)
}

func Neg(a *Tensor) *Tensor {
	return Scale(a, -1)
}

func Square(a *Tensor) *Tensor {
	return Mul(a, a)
}

// Expand broadcasts a to shape. a must hold a single element or have a
// shape that is a trailing suffix of shape.
func Expand(a *Tensor, shape []int) *Tensor {
	if shapesEqual(a.Shape, shape) {
		return a
	}
	return (&ExpandOp{shape: append([]int(nil), shape...)}).Forward(a)
}

// SumTo reduces a to shape, the inverse of Expand.
func SumTo(a *Tensor, shape []int) *Tensor {
	if shapesEqual(a.Shape, shape) {
		return a
	}
	return (&SumToOp{shape: append([]int(nil), shape...)}).Forward(a)
}

// MatMul multiplies two matrices.
func MatMul(a, b *Tensor) *Tensor {
	return (&MatMulOp{}).Forward(a, b)
}

func Transpose(a *Tensor) *Tensor {
	return (&TransposeOp{}).Forward(a)
}

// Sum reduces every element into a tensor of shape [1].
func Sum(a *Tensor) *Tensor {
	return (&SumOp{}).Forward(a)
}

// Mean averages every element into a tensor of shape [1].
func Mean(a *Tensor) *Tensor {
	return Scale(Sum(a), 1/float64(a.Numel()))
}

// SumDim sums along dim and removes it.
func SumDim(a *Tensor, dim int) *Tensor {
	return (&SumDimOp{dim: dim}).Forward(a)
}

// MeanDim averages along dim and removes it.
func MeanDim(a *Tensor, dim int) *Tensor {
	checkDim("MeanDim", a.Shape, dim)
	return Scale(SumDim(a, dim), 1/float64(a.Shape[dim]))
}

// ExpandDim repeats a along dim so that the result has the given shape.
func ExpandDim(a *Tensor, shape []int, dim int) *Tensor {
	return (&ExpandDimOp{shape: append([]int(nil), shape...), dim: dim}).Forward(a)
}

func Reshape(a *Tensor, shape []int) *Tensor {
	if shapesEqual(a.Shape, shape) {
		return a
	}
	return (&ReshapeOp{shape: append([]int(nil), shape...)}).Forward(a)
}

func Sqrt(a *Tensor) *Tensor {
	return (&SqrtOp{}).Forward(a)
}

func Sigmoid(a *Tensor) *Tensor {
	return (&SigmoidOp{}).Forward(a)
}

// Softplus computes log(1 + exp(a)) in a numerically stable form.
func Softplus(a *Tensor) *Tensor {
	return (&SoftplusOp{}).Forward(a)
}

func LeakyReLU(a *Tensor, slope float64) *Tensor {
	return (&LeakyReLUOp{slope: slope}).Forward(a)
}

// At returns element index (row-major) as a [1] tensor.
func At(a *Tensor, index int) *Tensor {
	return (&AtOp{index: index}).Forward(a)
}

// Gather builds a tensor of the given shape from a.Data[index[i]].
func Gather(a *Tensor, index []int, shape []int) *Tensor {
	return (&GatherOp{index: index, shape: append([]int(nil), shape...)}).Forward(a)
}

// ScatterAdd accumulates a into a zero tensor of the given shape.
func ScatterAdd(a *Tensor, shape []int, index []int) *Tensor {
	return (&ScatterAddOp{index: index, shape: append([]int(nil), shape...)}).Forward(a)
}

// Stack joins tensors of equal shape along a new dimension dim.
func Stack(dim int, ts ...*Tensor) *Tensor {
	return (&StackOp{dim: dim}).Forward(ts...)
}

// Select returns slice index along dim, dropping the dimension.
func Select(a *Tensor, dim, index int) *Tensor {
	return (&SelectOp{dim: dim, index: index}).Forward(a)
}

// Detach returns a copy that does not take part in the graph.
func Detach(a *Tensor) *Tensor {
	return a.Clone()
}
