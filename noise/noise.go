// Package noise draws the latent noise fed to the generator.
package noise

import (
	"math/rand"

	"github.com/tsawler/go-stylegan/tensor"
)

// Sampler is a process-local noise source. Each worker owns one, seeded
// differently, so workers draw independent noise for their own batches.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler seeds a sampler for the given worker rank.
func NewSampler(seed int64, rank int) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed + int64(rank)))}
}

// Rand exposes the underlying source for other per-worker draws (path
// regularisation directions, augmentation decisions).
func (s *Sampler) Rand() *rand.Rand {
	return s.rng
}

// MakeNoise returns count independent standard-normal tensors [batch, dim].
func (s *Sampler) MakeNoise(batch, dim, count int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, count)
	for i := range out {
		out[i] = tensor.RandN(s.rng, batch, dim)
	}
	return out
}

// MixingNoise returns two noise tensors with probability prob (style mixing
// for this step), otherwise one.
func (s *Sampler) MixingNoise(batch, dim int, prob float64) []*tensor.Tensor {
	if prob > 0 && s.rng.Float64() < prob {
		return s.MakeNoise(batch, dim, 2)
	}
	return s.MakeNoise(batch, dim, 1)
}
