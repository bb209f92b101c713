package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/nn"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGDOptimizer is stochastic gradient descent with optional momentum.
type SGDOptimizer struct {
	config    SGDConfig
	params    []*nn.Parameter
	momentum  map[string][]float64 // nil when Momentum == 0
	stepCount uint64
}

func NewSGD(params []*nn.Parameter, config SGDConfig) (*SGDOptimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	sgd := &SGDOptimizer{config: config, params: params}
	if config.Momentum > 0 {
		sgd.momentum = make(map[string][]float64, len(params))
		for _, p := range params {
			sgd.momentum[p.Name] = make([]float64, p.Value.Numel())
		}
	}
	return sgd, nil
}

func (sgd *SGDOptimizer) Step() error {
	c := sgd.config
	for _, p := range sgd.params {
		grad := p.Grad()
		if !p.Trainable() || grad == nil {
			continue
		}
		w := p.Value.Data
		if len(grad.Data) != len(w) {
			return errors.Errorf("%s: gradient has %d elements, parameter %d", p.Name, len(grad.Data), len(w))
		}

		d := append([]float64(nil), grad.Data...)
		if c.WeightDecay != 0 {
			floats.AddScaled(d, c.WeightDecay, w)
		}
		if buf := sgd.momentum[p.Name]; buf != nil {
			floats.Scale(c.Momentum, buf)
			floats.Add(buf, d)
			if c.Nesterov {
				floats.AddScaled(d, c.Momentum, buf)
			} else {
				copy(d, buf)
			}
		}
		floats.AddScaled(w, -c.LearningRate, d)
	}
	sgd.stepCount++
	return nil
}

func (sgd *SGDOptimizer) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

func (sgd *SGDOptimizer) GetStepCount() uint64 {
	return sgd.stepCount
}

func (sgd *SGDOptimizer) UpdateLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

func (sgd *SGDOptimizer) LearningRate() float64 {
	return sgd.config.LearningRate
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.momentum))
	for _, p := range sgd.params {
		if buf := sgd.momentum[p.Name]; buf != nil {
			stateData = append(stateData, extractBufferState(buf, p.Value.Shape, p.Name, "momentum"))
		}
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      boolParam(sgd.config.Nesterov),
			"step_count":    float64(sgd.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.config.LearningRate)
	sgd.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		buf, ok := sgd.momentum[t.Name]
		if !ok {
			continue
		}
		if err := restoreBufferState(buf, t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}
