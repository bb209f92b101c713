package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/nn"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// LazyRegularizedConfig compensates for a regularizer that runs every
// regEvery steps: with r = regEvery/(regEvery+1) the learning rate becomes
// lr*r and the betas (0^r, 0.99^r). regEvery <= 0 leaves r = 1.
func LazyRegularizedConfig(lr float64, regEvery int) AdamConfig {
	ratio := 1.0
	if regEvery > 0 {
		ratio = float64(regEvery) / float64(regEvery+1)
	}
	return AdamConfig{
		LearningRate: lr * ratio,
		Beta1:        math.Pow(0, ratio),
		Beta2:        math.Pow(0.99, ratio),
		Epsilon:      1e-8,
	}
}

func (c AdamConfig) validate() error {
	if c.LearningRate < 0 {
		return errors.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return errors.Errorf("beta1 must be in [0, 1): %f", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("beta2 must be in [0, 1): %f", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive: %f", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	return nil
}

type adamMoments struct {
	momentum []float64 // first moment
	variance []float64 // second moment
	step     uint64    // per-parameter step for bias correction
}

// AdamOptimizer is Adam with per-parameter bias correction. A parameter
// that was frozen for a while resumes with its own step count.
type AdamOptimizer struct {
	config    AdamConfig
	params    []*nn.Parameter
	state     map[string]*adamMoments
	stepCount uint64
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(params []*nn.Parameter, config AdamConfig) (*AdamOptimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	adam := &AdamOptimizer{
		config: config,
		params: params,
		state:  make(map[string]*adamMoments, len(params)),
	}
	for _, p := range params {
		if _, dup := adam.state[p.Name]; dup {
			return nil, errors.Errorf("parameter %q listed twice", p.Name)
		}
		n := p.Value.Numel()
		adam.state[p.Name] = &adamMoments{
			momentum: make([]float64, n),
			variance: make([]float64, n),
		}
	}
	return adam, nil
}

func (adam *AdamOptimizer) Config() AdamConfig {
	return adam.config
}

func (adam *AdamOptimizer) Step() error {
	c := adam.config
	for _, p := range adam.params {
		grad := p.Grad()
		if !p.Trainable() || grad == nil {
			continue
		}
		w := p.Value.Data
		if len(grad.Data) != len(w) {
			return errors.Errorf("%s: gradient has %d elements, parameter %d", p.Name, len(grad.Data), len(w))
		}

		s := adam.state[p.Name]
		s.step++
		bias1 := 1 - math.Pow(c.Beta1, float64(s.step))
		bias2 := 1 - math.Pow(c.Beta2, float64(s.step))

		floats.Scale(c.Beta1, s.momentum)
		floats.Scale(c.Beta2, s.variance)
		for i, g := range grad.Data {
			if c.WeightDecay != 0 {
				g += c.WeightDecay * w[i]
			}
			s.momentum[i] += (1 - c.Beta1) * g
			s.variance[i] += (1 - c.Beta2) * g * g

			mHat := s.momentum[i] / bias1
			vHat := s.variance[i] / bias2
			w[i] -= c.LearningRate * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
	}
	adam.stepCount++
	return nil
}

func (adam *AdamOptimizer) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

func (adam *AdamOptimizer) GetStepCount() uint64 {
	return adam.stepCount
}

func (adam *AdamOptimizer) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

func (adam *AdamOptimizer) LearningRate() float64 {
	return adam.config.LearningRate
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(adam.params))
	for _, p := range adam.params {
		s := adam.state[p.Name]
		if s.step == 0 {
			continue
		}
		stateData = append(stateData,
			extractBufferState(s.momentum, p.Value.Shape, p.Name, "momentum"),
			extractBufferState(s.variance, p.Value.Shape, p.Name, "variance"),
			extractBufferState([]float64{float64(s.step)}, []int{1}, p.Name, "step"),
		)
	}

	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.config.LearningRate)
	adam.config.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.config.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)

	for _, t := range state.StateData {
		s, ok := adam.state[t.Name]
		if !ok {
			continue
		}
		var err error
		switch t.StateType {
		case "momentum":
			err = restoreBufferState(s.momentum, t.Data, t.Name)
		case "variance":
			err = restoreBufferState(s.variance, t.Data, t.Name)
		case "step":
			if len(t.Data) != 1 || t.Data[0] < 0 {
				err = errors.Errorf("invalid step for %s", t.Name)
			} else {
				s.step = uint64(t.Data[0])
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
