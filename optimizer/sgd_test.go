package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-stylegan/checkpoints"
)

var sgdState = checkpoints.OptimizerState{Type: "SGD"}

func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 || config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("unexpected default config %+v", config)
	}
}

func TestSGDStep(t *testing.T) {
	set, a, _ := quadraticNet()
	sgd, err := NewSGD(set.Parameters(), SGDConfig{LearningRate: 0.1, Momentum: 0.5})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	setQuadraticGrad(a)
	sgd.Step()
	// buf = g = [2 -4], w -= 0.1*buf
	if math.Abs(a.Value.Data[0]-0.8) > 1e-12 || math.Abs(a.Value.Data[1]+1.6) > 1e-12 {
		t.Fatalf("after one step a = %v", a.Value.Data)
	}

	setQuadraticGrad(a)
	sgd.Step()
	// buf = 0.5*[2 -4] + [1.6 -3.2] = [2.6 -5.2]
	if math.Abs(a.Value.Data[0]-0.54) > 1e-12 {
		t.Errorf("momentum not applied: a = %v", a.Value.Data)
	}

	state, _ := sgd.GetState()
	set2, _, _ := quadraticNet()
	restored, _ := NewSGD(set2.Parameters(), SGDConfig{LearningRate: 1, Momentum: 0.5})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.LearningRate() != 0.1 || restored.GetStepCount() != 2 {
		t.Errorf("state not restored: lr %v steps %d", restored.LearningRate(), restored.GetStepCount())
	}
	if got := restored.momentum["a.weight"]; math.Abs(got[0]-2.6) > 1e-12 {
		t.Errorf("momentum buffer = %v", got)
	}
}
