package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-stylegan/tensor"
)

func TestParameterSetGroups(t *testing.T) {
	set := NewParameterSet("net")
	rng := rand.New(rand.NewSource(1))
	NewLinear(set, "convs.0", "convs.0", 4, 3, true, 0, rng)
	NewModulatedLinear(set, "convs.1", "convs.1", 3, 3, 2, rng)

	if got := len(set.Parameters()); got != 6 {
		t.Fatalf("Expected 6 parameters, got %d", got)
	}
	if got := set.Groups(); len(got) != 2 || got[0] != "convs.0" || got[1] != "convs.1" {
		t.Errorf("Unexpected group order %v", got)
	}
	if got := len(set.Group("convs.1")); got != 4 {
		t.Errorf("Expected 4 parameters in convs.1, got %d", got)
	}
	if set.Group("missing") != nil {
		t.Error("Unknown group should be nil")
	}

	p, ok := set.Lookup("convs.1.modulation.bias")
	if !ok {
		t.Fatal("Modulation bias not registered")
	}
	for _, v := range p.Value.Data {
		if v != 1 {
			t.Fatalf("Modulation bias should start at 1, got %v", p.Value.Data)
		}
	}
	if !p.Trainable() {
		t.Error("Registered parameters start trainable")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	set := NewParameterSet("net")
	set.Register("a", "a.weight", tensor.Zeros(1))
	set.Register("a", "a.weight", tensor.Zeros(1))
}

func TestLinearForward(t *testing.T) {
	set := NewParameterSet("net")
	l := NewLinear(set, "fc", "fc", 2, 2, true, 0.5, rand.New(rand.NewSource(1)))
	copy(l.Weight.Value.Data, []float64{1, 2, 3, 4})

	out, err := l.Forward(tensor.MustNew([]int{1, 2}, []float64{1, 1}))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	expected := []float64{4.5, 6.5}
	for i, v := range expected {
		if math.Abs(out.Data[i]-v) > 1e-12 {
			t.Errorf("out[%d] = %v, expected %v", i, out.Data[i], v)
		}
	}

	if _, err := l.Forward(tensor.Zeros(1, 3)); err == nil {
		t.Error("Expected error for mismatched input size")
	}
	if _, err := l.Forward(tensor.Zeros(2)); err == nil {
		t.Error("Expected error for 1D input")
	}
}

func TestModulatedLinearGradientsReachStyle(t *testing.T) {
	set := NewParameterSet("net")
	m := NewModulatedLinear(set, "conv", "conv", 3, 2, 4, rand.New(rand.NewSource(2)))

	w := tensor.RandN(rand.New(rand.NewSource(3)), 2, 4)
	w.SetRequiresGrad(true)
	out, err := m.Forward(tensor.Ones(2, 3), w)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := tensor.Backward(tensor.Sum(tensor.Square(out))); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if w.Grad() == nil {
		t.Error("Style latent should receive a gradient")
	}
	for _, p := range set.Parameters() {
		if p.Grad() == nil {
			t.Errorf("Parameter %s has no gradient", p.Name)
		}
	}

	ZeroGrad(set)
	for _, p := range set.Parameters() {
		if p.Grad() != nil {
			t.Errorf("Parameter %s gradient not cleared", p.Name)
		}
	}
}
