package ema

import (
	"math"
	"testing"

	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
)

func network(values map[string][]float64, order ...string) *nn.ParameterSet {
	set := nn.NewParameterSet("net")
	for _, name := range order {
		set.Register(name, name, tensor.MustNew([]int{len(values[name])}, append([]float64(nil), values[name]...)))
	}
	return set
}

func TestAccumulate(t *testing.T) {
	shadow := network(map[string][]float64{"a": {1, 2}, "b": {0}}, "a", "b")
	// reversed order and an extra parameter
	source := network(map[string][]float64{"b": {10}, "a": {3, 4}, "c": {7}}, "b", "c", "a")

	if err := Accumulate(shadow, source, 0.9); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	a, _ := shadow.Lookup("a")
	b, _ := shadow.Lookup("b")
	want := map[string][]float64{
		"a": {1*0.9 + 3*0.1, 2*0.9 + 4*0.1},
		"b": {10 * 0.1},
	}
	for i, v := range want["a"] {
		if math.Abs(a.Value.Data[i]-v) > 1e-12 {
			t.Errorf("a[%d] = %v, expected %v", i, a.Value.Data[i], v)
		}
	}
	if math.Abs(b.Value.Data[0]-want["b"][0]) > 1e-12 {
		t.Errorf("b = %v, expected %v", b.Value.Data[0], want["b"][0])
	}
}

func TestAccumulateMissingNames(t *testing.T) {
	shadow := network(map[string][]float64{"a": {1}, "only_shadow": {5}}, "a", "only_shadow")
	source := network(map[string][]float64{"a": {3}}, "a")

	if err := Accumulate(shadow, source, 0.5); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}
	p, _ := shadow.Lookup("only_shadow")
	if p.Value.Data[0] != 5 {
		t.Errorf("parameter absent from source changed to %v", p.Value.Data[0])
	}
}

func TestAccumulateShapeMismatch(t *testing.T) {
	shadow := network(map[string][]float64{"a": {1, 2}}, "a")
	source := network(map[string][]float64{"a": {3}}, "a")
	if err := Accumulate(shadow, source, 0.5); err == nil {
		t.Error("Expected error for shape mismatch")
	}
	p, _ := shadow.Lookup("a")
	if p.Value.Data[0] != 1 {
		t.Error("shadow should be untouched after a failed update")
	}
}

func TestCopyAndConvergence(t *testing.T) {
	shadow := network(map[string][]float64{"w": {0}}, "w")
	source := network(map[string][]float64{"w": {1}}, "w")

	prevGap := 1.0
	for i := 0; i < 50; i++ {
		if err := Accumulate(shadow, source, DefaultDecay); err != nil {
			t.Fatalf("Accumulate failed: %v", err)
		}
		w, _ := shadow.Lookup("w")
		gap := 1 - w.Value.Data[0]
		if gap >= prevGap || gap < 0 {
			t.Fatalf("step %d: gap %v did not shrink from %v", i, gap, prevGap)
		}
		prevGap = gap
	}

	if err := Copy(shadow, source); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	w, _ := shadow.Lookup("w")
	if w.Value.Data[0] != 1 {
		t.Errorf("Copy left %v, expected 1", w.Value.Data[0])
	}
}

func TestDecay(t *testing.T) {
	if math.Abs(Decay(10000, 32)-DefaultDecay) > 1e-15 {
		t.Errorf("Decay(10000, 32) = %v, expected %v", Decay(10000, 32), DefaultDecay)
	}
}
