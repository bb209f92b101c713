// Package ema maintains an exponential moving average of network weights.
package ema

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/nn"
	"gonum.org/v1/gonum/floats"
)

// DefaultDecay corresponds to a half-life of 10k images at batch size 32.
var DefaultDecay = math.Pow(0.5, 32.0/10000.0)

// Decay returns the per-step decay for a half-life given in images.
func Decay(halfLifeImages float64, batch int) float64 {
	return math.Pow(0.5, float64(batch)/halfLifeImages)
}

// Accumulate updates shadow toward source:
//
//	shadow = shadow*decay + source*(1-decay)
//
// Parameters are matched by name. Names missing from either network are
// skipped; a shape mismatch on a matching name is an error and leaves the
// remaining parameters untouched.
func Accumulate(shadow, source nn.Network, decay float64) error {
	byName := make(map[string]*nn.Parameter, len(source.Parameters()))
	for _, p := range source.Parameters() {
		byName[p.Name] = p
	}

	type pair struct{ dst, src []float64 }
	pairs := make([]pair, 0, len(byName))
	for _, p := range shadow.Parameters() {
		src, ok := byName[p.Name]
		if !ok {
			continue
		}
		if len(src.Value.Data) != len(p.Value.Data) {
			return errors.Errorf("parameter %s: shadow has %d elements, source %d", p.Name, len(p.Value.Data), len(src.Value.Data))
		}
		pairs = append(pairs, pair{p.Value.Data, src.Value.Data})
	}

	for _, pr := range pairs {
		floats.Scale(decay, pr.dst)
		floats.AddScaled(pr.dst, 1-decay, pr.src)
	}
	return nil
}

// Copy sets every matching shadow parameter to the source value.
func Copy(shadow, source nn.Network) error {
	return Accumulate(shadow, source, 0)
}
