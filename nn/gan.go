package nn

import "github.com/tsawler/go-stylegan/tensor"

// GenerateOptions selects the transfer-learning forward variants.
type GenerateOptions struct {
	// InjectIndex is the first latent layer driven by the second style when
	// two styles are given, or the first layer not taken from PutLatent.
	// Zero picks a random mixing index.
	InjectIndex int
	// PutLatent [batch, nLatent, dim] supplies the latents of layers
	// [0, InjectIndex), typically the frozen source generator's latents.
	PutLatent *tensor.Tensor
	// FixedLatent [batch, nLatent, dim] replaces the mapping network output
	// entirely.
	FixedLatent *tensor.Tensor
}

// Generator maps noise to images.
type Generator interface {
	Network
	LogSize() int
	NumLayers() int
	NLatent() int
	LatentDim() int

	// Generate returns the image [batch, 3, size, size] and the per-layer
	// latents [batch, nLatent, dim] it was synthesised from. styles holds one
	// or two noise tensors [batch, dim].
	Generate(styles []*tensor.Tensor, opts GenerateOptions) (img, latent *tensor.Tensor, err error)

	// SwapFeature returns the intermediate synthesis feature after layer
	// synthesis layers (1-based).
	SwapFeature(styles []*tensor.Tensor, layer int) (*tensor.Tensor, error)
}

// Discriminator scores images.
type Discriminator interface {
	Network
	LogSize() int

	// Score maps images [batch, 3, size, size] to predictions [batch, 1].
	Score(img *tensor.Tensor) (*tensor.Tensor, error)
}
