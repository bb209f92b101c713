package noise

import (
	"math"
	"testing"
)

func TestMakeNoise(t *testing.T) {
	s := NewSampler(1, 0)
	out := s.MakeNoise(3, 5, 4)
	if len(out) != 4 {
		t.Fatalf("Expected 4 tensors, got %d", len(out))
	}
	for i, n := range out {
		if len(n.Shape) != 2 || n.Shape[0] != 3 || n.Shape[1] != 5 {
			t.Errorf("tensor %d has shape %v, expected [3 5]", i, n.Shape)
		}
	}
	if out[0].Data[0] == out[1].Data[0] {
		t.Error("Noise tensors should be independent")
	}
}

func TestMixingNoise(t *testing.T) {
	s := NewSampler(2, 0)
	for i := 0; i < 100; i++ {
		if n := len(s.MixingNoise(2, 3, 0)); n != 1 {
			t.Fatalf("mixProb=0 returned %d tensors", n)
		}
		if n := len(s.MixingNoise(2, 3, 1)); n != 2 {
			t.Fatalf("mixProb=1 returned %d tensors", n)
		}
	}
}

func TestMixingNoiseRate(t *testing.T) {
	s := NewSampler(3, 0)
	mixed := 0
	const trials = 4000
	for i := 0; i < trials; i++ {
		if len(s.MixingNoise(1, 1, 0.9)) == 2 {
			mixed++
		}
	}
	if rate := float64(mixed) / trials; math.Abs(rate-0.9) > 0.03 {
		t.Errorf("mixing rate %.3f, expected about 0.9", rate)
	}
}

func TestWorkersDrawDifferentNoise(t *testing.T) {
	a := NewSampler(7, 0).MakeNoise(1, 4, 1)[0]
	b := NewSampler(7, 1).MakeNoise(1, 4, 1)[0]
	same := true
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
		}
	}
	if same {
		t.Error("Different ranks should draw different noise")
	}
}
