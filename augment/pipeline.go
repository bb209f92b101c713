package augment

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/tensor"
)

// Pipeline applies per-sample augmentations to image batches [B, C, H, W].
// Each transform is drawn independently per sample with probability p. All
// transforms are built from differentiable tensor operations, so gradients
// (including the R1 gradient with respect to real images) flow through them.
type Pipeline struct {
	rng *rand.Rand

	BrightnessStd float64 // std of the additive brightness offset
	ContrastStd   float64 // std of log2 of the contrast factor
}

func NewPipeline(rng *rand.Rand) *Pipeline {
	return &Pipeline{rng: rng, BrightnessStd: 0.2, ContrastStd: 0.5}
}

// Augment returns img with x-flip, brightness and contrast applied per
// sample with probability p. p <= 0 returns img unchanged.
func (a *Pipeline) Augment(img *tensor.Tensor, p float64) (*tensor.Tensor, error) {
	if img.Dim() != 4 {
		return nil, errors.Errorf("augment expects [B, C, H, W], got %v", img.Shape)
	}
	if p <= 0 {
		return img, nil
	}

	batch, sample := img.Shape[0], img.Numel()/img.Shape[0]
	width := img.Shape[3]

	flip := make([]bool, batch)
	anyFlip := false
	for b := range flip {
		flip[b] = a.rng.Float64() < p
		anyFlip = anyFlip || flip[b]
	}
	out := img
	if anyFlip {
		index := make([]int, img.Numel())
		for i := range index {
			b := i / sample
			if flip[b] {
				x := i % width
				index[i] = i - x + (width - 1 - x)
			} else {
				index[i] = i
			}
		}
		out = tensor.Gather(out, index, img.Shape)
	}

	if factors, ok := a.perSample(img.Shape, p, func() float64 {
		return math.Exp2(a.rng.NormFloat64() * a.ContrastStd)
	}, 1); ok {
		out = tensor.Mul(out, factors)
	}
	if offsets, ok := a.perSample(img.Shape, p, func() float64 {
		return a.rng.NormFloat64() * a.BrightnessStd
	}, 0); ok {
		out = tensor.Add(out, offsets)
	}
	return out, nil
}

// perSample builds a constant tensor holding one drawn value per sample,
// identity for samples not selected. ok is false when no sample was selected.
func (a *Pipeline) perSample(shape []int, p float64, draw func() float64, identity float64) (*tensor.Tensor, bool) {
	batch := shape[0]
	sample := 1
	for _, d := range shape[1:] {
		sample *= d
	}
	data := make([]float64, batch*sample)
	selected := false
	for b := 0; b < batch; b++ {
		v := identity
		if a.rng.Float64() < p {
			v = draw()
			selected = true
		}
		for i := 0; i < sample; i++ {
			data[b*sample+i] = v
		}
	}
	if !selected {
		return nil, false
	}
	return tensor.MustNew(append([]int(nil), shape...), data), true
}
