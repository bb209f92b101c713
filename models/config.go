// Package models provides small StyleGAN2-shaped generator and discriminator
// networks. Modulated dense layers stand in for convolutions, but the layer
// layout, the parameter names and the latent routing follow StyleGAN2 so
// that freeze depths, style injection and checkpoints behave the same way.
package models

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Config describes both networks.
type Config struct {
	Size              int   `json:"size"`
	LatentDim         int   `json:"latent"`
	NMLP              int   `json:"n_mlp"`
	ChannelMultiplier int   `json:"channel_multiplier"`
	Seed              int64 `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Size:              256,
		LatentDim:         64,
		NMLP:              8,
		ChannelMultiplier: 2,
		Seed:              1,
	}
}

func (c Config) Validate() error {
	if c.Size < 8 || c.Size&(c.Size-1) != 0 {
		return errors.Errorf("size must be a power of two >= 8, got %d", c.Size)
	}
	if c.LatentDim <= 0 {
		return errors.Errorf("latent dimension must be positive, got %d", c.LatentDim)
	}
	if c.NMLP <= 0 {
		return errors.Errorf("mapping network needs at least one layer, got %d", c.NMLP)
	}
	if c.ChannelMultiplier <= 0 {
		return errors.Errorf("channel multiplier must be positive, got %d", c.ChannelMultiplier)
	}
	return nil
}

// LogSize returns log2(Size).
func (c Config) LogSize() int {
	return bits.Len(uint(c.Size)) - 1
}

// NumLayers is the number of synthesis layers: conv1 plus two per upsampling block.
func (c Config) NumLayers() int {
	return (c.LogSize()-2)*2 + 1
}

// NLatent is the number of per-layer latents the synthesis network consumes.
func (c Config) NLatent() int {
	return c.LogSize()*2 - 2
}

// Channels returns the feature width used at resolution res.
func (c Config) Channels(res int) int {
	w := 128 / res
	if w < 4 {
		w = 4
	}
	return w * c.ChannelMultiplier
}
