// Package augment holds the differentiable image augmentation applied to
// discriminator inputs and the feedback policy that tunes its probability.
package augment

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-stylegan/distributed"
	"github.com/tsawler/go-stylegan/tensor"
)

// Adaptive tunes the augmentation probability from the sign of the
// discriminator's predictions on real images. When the discriminator is
// too sure of real images (mean sign above Target) the probability rises,
// otherwise it falls.
type Adaptive struct {
	Target float64 // desired mean sign of real predictions
	Length int     // images needed to move p from 0 to 1
	Every  int     // tune calls between updates
	Batch  int     // per-worker batch size

	p      float64
	rtStat float64
	sum    float64
	count  float64
}

// NewAdaptive returns a tuner starting at probability p.
func NewAdaptive(target float64, length, every, batch int, p float64) (*Adaptive, error) {
	if length <= 0 || every <= 0 || batch <= 0 {
		return nil, errors.Errorf("adaptive augmentation needs positive length, interval and batch (got %d, %d, %d)", length, every, batch)
	}
	a := &Adaptive{Target: target, Length: length, Every: every, Batch: batch}
	a.SetProbability(p)
	return a, nil
}

// P is the current augmentation probability.
func (a *Adaptive) P() float64 {
	return a.p
}

// RtStat is the mean prediction sign seen at the last update.
func (a *Adaptive) RtStat() float64 {
	return a.rtStat
}

// SetProbability restores p, e.g. from a checkpoint.
func (a *Adaptive) SetProbability(p float64) {
	a.p = clamp01(p)
}

// Tune accumulates the sign statistic of realPred and, every Every calls,
// reduces it across workers and moves p. Every worker must call Tune the same
// number of times since the update is a collective.
func (a *Adaptive) Tune(ctx context.Context, g distributed.Group, realPred *tensor.Tensor) (float64, error) {
	signs := make([]float64, len(realPred.Data))
	for i, v := range realPred.Data {
		signs[i] = sign(v)
	}
	a.sum += stat.Mean(signs, nil)
	a.count++

	if a.count < float64(a.Every) {
		return a.p, nil
	}

	acc := []float64{a.sum, a.count}
	a.sum, a.count = 0, 0
	if err := distributed.AllReduce(ctx, g, acc); err != nil {
		return a.p, errors.Wrap(err, "reduce augmentation statistic")
	}

	a.rtStat = acc[0] / acc[1]
	step := float64(a.Batch*a.Every) / float64(a.Length)
	a.p = clamp01(a.p + sign(a.rtStat-a.Target)*step)
	return a.p, nil
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
