package tensor

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

// checkGradient compares the autograd gradient of f at x against central
// finite differences.
func checkGradient(t *testing.T, shape []int, x []float64, f func(x *Tensor) *Tensor) {
	t.Helper()

	in := MustNew(shape, append([]float64(nil), x...))
	in.SetRequiresGrad(true)
	if err := Backward(f(in)); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	numeric := fd.Gradient(nil, func(v []float64) float64 {
		return f(MustNew(shape, append([]float64(nil), v...))).Item()
	}, x, &fd.Settings{Formula: fd.Central})

	for i := range numeric {
		if math.Abs(in.Grad().Data[i]-numeric[i]) > 1e-5 {
			t.Errorf("gradient[%d]: autograd %.8f, numeric %.8f", i, in.Grad().Data[i], numeric[i])
		}
	}
}

func TestOperationGradients(t *testing.T) {
	x := []float64{0.3, -1.2, 0.7, 2.1, -0.4, 1.5}
	w := MustNew([]int{3, 2}, []float64{0.5, -0.3, 0.8, 0.1, -0.6, 0.9})
	row := MustNew([]int{3}, []float64{0.2, -0.1, 0.4})

	tests := []struct {
		name string
		f    func(x *Tensor) *Tensor
	}{
		{"add broadcast suffix", func(x *Tensor) *Tensor { return Sum(Square(Add(x, row))) }},
		{"sub scalar", func(x *Tensor) *Tensor { return Sum(Square(Sub(x, Scalar(0.5)))) }},
		{"mul self", func(x *Tensor) *Tensor { return Sum(Mul(x, x)) }},
		{"div", func(x *Tensor) *Tensor { return Sum(Div(row, AddScalar(Square(x), 1))) }},
		{"sqrt", func(x *Tensor) *Tensor { return Sum(Sqrt(AddScalar(Square(x), 0.1))) }},
		{"softplus", func(x *Tensor) *Tensor { return Mean(Softplus(x)) }},
		{"sigmoid", func(x *Tensor) *Tensor { return Sum(Sigmoid(Scale(x, 2))) }},
		{"leaky relu", func(x *Tensor) *Tensor { return Sum(Square(LeakyReLU(x, 0.2))) }},
		{"matmul", func(x *Tensor) *Tensor { return Sum(Square(MatMul(x, w))) }},
		{"transpose", func(x *Tensor) *Tensor { return Sum(Square(MatMul(Transpose(x), x))) }},
		{"sum dim", func(x *Tensor) *Tensor { return Sum(Square(SumDim(x, 0))) }},
		{"mean dim", func(x *Tensor) *Tensor { return Sum(Square(MeanDim(x, 1))) }},
		{"reshape", func(x *Tensor) *Tensor { return Sum(Square(SumDim(Reshape(x, []int{3, 2}), 1))) }},
		{"at", func(x *Tensor) *Tensor { return Square(At(x, 4)) }},
		{"gather", func(x *Tensor) *Tensor {
			return Sum(Square(Gather(x, []int{5, 4, 3, 2, 1, 0, 0}, []int{7})))
		}},
		{"stack select", func(x *Tensor) *Tensor {
			s := Stack(1, x, Scale(x, 2))
			return Sum(Square(Add(Select(s, 1, 0), Select(s, 1, 1))))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkGradient(t, []int{2, 3}, x, tt.f)
		})
	}
}

func TestSecondOrderGradient(t *testing.T) {
	// The penalty mirrors an R1 term: the squared norm of d score / d input,
	// differentiated again with respect to the weights.
	x := MustNew([]int{2, 3}, []float64{0.3, -1.2, 0.7, 2.1, -0.4, 1.5})
	weights := []float64{0.5, -0.3, 0.8, 0.1, -0.6, 0.9}

	penalty := func(w *Tensor) *Tensor {
		in := x.Clone()
		in.SetRequiresGrad(true)
		score := Sum(Softplus(LeakyReLU(MatMul(in, w), 0.2)))
		grads, err := Grad(score, []*Tensor{in}, true)
		if err != nil {
			t.Fatalf("Grad failed: %v", err)
		}
		return Sum(Square(grads[0]))
	}

	checkGradient(t, []int{3, 2}, weights, penalty)
}

func TestGradLeavesAccumulatedGradientsAlone(t *testing.T) {
	a := MustNew([]int{2}, []float64{1, 2})
	a.SetRequiresGrad(true)
	unused := Zeros(3)
	unused.SetRequiresGrad(true)

	grads, err := Grad(Sum(Square(a)), []*Tensor{a, unused}, false)
	if err != nil {
		t.Fatalf("Grad failed: %v", err)
	}
	if a.Grad() != nil {
		t.Error("Grad should not write into the leaf gradient")
	}
	if grads[0].Data[0] != 2 || grads[0].Data[1] != 4 {
		t.Errorf("Expected [2 4], got %v", grads[0].Data)
	}
	if grads[0].RequiresGrad() {
		t.Error("Gradient without createGraph should be detached")
	}
	if unused.Numel() != grads[1].Numel() || Sum(grads[1]).Item() != 0 {
		t.Errorf("Unused input should get a zero gradient, got %v", grads[1].Data)
	}
}

func TestBackwardAccumulates(t *testing.T) {
	a := MustNew([]int{2}, []float64{1, 3})
	a.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		if err := Backward(Sum(Scale(a, 3))); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}
	for i, v := range a.Grad().Data {
		if v != 6 {
			t.Errorf("grad[%d] = %v, expected 6", i, v)
		}
	}

	a.ZeroGrad()
	if a.Grad() != nil {
		t.Error("ZeroGrad should clear the gradient")
	}
}

func TestBackwardErrors(t *testing.T) {
	a := MustNew([]int{2}, []float64{1, 2})
	a.SetRequiresGrad(true)

	if err := Backward(Scale(a, 2)); err == nil {
		t.Error("Expected an error for a non-scalar root")
	}
	if err := Backward(Sum(Ones(2))); err == nil {
		t.Error("Expected an error for a root without a graph")
	}
}

func TestFrozenInputsReceiveNoGradient(t *testing.T) {
	frozen := MustNew([]int{2}, []float64{1, 2})
	trainable := MustNew([]int{2}, []float64{3, 4})
	trainable.SetRequiresGrad(true)

	if err := Backward(Sum(Mul(frozen, trainable))); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if frozen.Grad() != nil {
		t.Error("Frozen tensor should not accumulate a gradient")
	}
	if trainable.Grad().Data[0] != 1 || trainable.Grad().Data[1] != 2 {
		t.Errorf("Unexpected gradient %v", trainable.Grad().Data)
	}
}

func TestStackSelectShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := RandN(rng, 2, 3)
	b := RandN(rng, 2, 3)

	s := Stack(1, a, b)
	if !shapesEqual(s.Shape, []int{2, 2, 3}) {
		t.Fatalf("Stack shape %v, expected [2 2 3]", s.Shape)
	}
	back := Select(s, 1, 1)
	for i := range b.Data {
		if back.Data[i] != b.Data[i] {
			t.Fatalf("Select returned %v, expected %v", back.Data, b.Data)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Error("Expected error for mismatched data length")
	}
	if _, err := New([]int{0, 2}, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}
	s, err := New(nil, []float64{4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Item() != 4 || !shapesEqual(s.Shape, []int{1}) {
		t.Errorf("Unexpected scalar %v", s)
	}
}

func TestIsFinite(t *testing.T) {
	if !Ones(3).IsFinite() {
		t.Error("Ones should be finite")
	}
	if MustNew([]int{2}, []float64{1, math.NaN()}).IsFinite() {
		t.Error("NaN should not be finite")
	}
}
