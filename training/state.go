package training

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Loss dictionary keys reported every iteration.
const (
	LossD          = "d"
	LossG          = "g"
	LossR1         = "r1"
	LossPath       = "path"
	LossPathLength = "path_length"
	LossRealScore  = "real_score"
	LossFakeScore  = "fake_score"
)

// LossKeys lists every key of the per-iteration loss dictionary.
var LossKeys = []string{LossD, LossG, LossR1, LossPath, LossPathLength, LossRealScore, LossFakeScore}

// ErrNonFiniteLoss is returned by Step when a reduced loss is NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// State is the mutable training state owned by a Trainer.
type State struct {
	Iteration int
	// MeanPathLength is this worker's running mean used by path-length
	// regularisation; MeanPathLengthAvg is its average across workers.
	MeanPathLength    float64
	MeanPathLengthAvg float64
	AdaAugP           float64
	RtStat            float64
	Losses            map[string]float64
}

// Snapshot is an immutable view of one finished iteration, handed to observers.
type Snapshot struct {
	Iteration         int                `json:"iteration"`
	Losses            map[string]float64 `json:"losses"`
	MeanPathLength    float64            `json:"mean_path_length"`
	MeanPathLengthAvg float64            `json:"mean_path_length_avg"`
	AdaAugP           float64            `json:"ada_aug_p"`
	RtStat            float64            `json:"r_t_stat"`
}

// Snapshot copies the state.
func (s *State) Snapshot() *Snapshot {
	losses := make(map[string]float64, len(s.Losses))
	for k, v := range s.Losses {
		losses[k] = v
	}
	return &Snapshot{
		Iteration:         s.Iteration,
		Losses:            losses,
		MeanPathLength:    s.MeanPathLength,
		MeanPathLengthAvg: s.MeanPathLengthAvg,
		AdaAugP:           s.AdaAugP,
		RtStat:            s.RtStat,
	}
}

// Loss returns the named loss, zero when absent.
func (s *Snapshot) Loss(key string) float64 {
	return s.Losses[key]
}

// checkFinite returns the first non-finite loss in key order.
func checkFinite(losses map[string]float64) (string, bool) {
	keys := maps.Keys(losses)
	slices.Sort(keys)
	for _, k := range keys {
		if v := losses[k]; math.IsNaN(v) || math.IsInf(v, 0) {
			return k, false
		}
	}
	return "", true
}
