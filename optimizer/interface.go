// Package optimizer updates network parameters from their accumulated
// gradients. Optimizer state is keyed by parameter name so it survives
// checkpointing and is unaffected by freezing parts of a network.
package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/nn"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step updates every trainable parameter that holds a gradient.
	// Frozen parameters and parameters without a gradient are skipped and
	// keep their state.
	Step() error

	// ZeroGrad clears the gradients of all managed parameters
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint. State for
	// parameters the optimizer does not manage is ignored.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of Step calls
	GetStepCount() uint64

	UpdateLearningRate(lr float64)
	LearningRate() float64
}

// New builds the optimizer named kind ("adam" or "sgd") over net with the
// given learning rate. Adam uses the lazy-regularization scaling for
// regEvery; SGD ignores it.
func New(kind string, net nn.Network, lr float64, regEvery int) (Optimizer, error) {
	switch kind {
	case "adam", "Adam", "":
		return NewAdam(net.Parameters(), LazyRegularizedConfig(lr, regEvery))
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGD(net.Parameters(), cfg)
	default:
		return nil, errors.Errorf("unknown optimizer %q", kind)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("optimizer type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
