package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
)

type resBlock struct {
	conv1 *nn.Linear
	conv2 *nn.Linear
	skip  *nn.Linear
}

// MLPDiscriminator is a StyleGAN2-shaped residual discriminator. Parameter
// groups: convs.0 (from RGB), convs.1 .. convs.{logSize-2} (one residual
// block per halving of the resolution), final_conv and final_linear.
type MLPDiscriminator struct {
	*nn.ParameterSet

	cfg         Config
	fromRGB     *nn.Linear
	blocks      []resBlock
	finalConv   *nn.Linear
	finalLinear [2]*nn.Linear
}

var _ nn.Discriminator = (*MLPDiscriminator)(nil)

func NewDiscriminator(name string, cfg Config) (*MLPDiscriminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "discriminator config")
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 7))
	d := &MLPDiscriminator{ParameterSet: nn.NewParameterSet(name), cfg: cfg}

	res := cfg.Size
	in := cfg.Channels(res)
	d.fromRGB = nn.NewLinear(d.ParameterSet, "convs.0", "convs.0", 3*res*res, in, true, 0, rng)

	for j := 1; j <= cfg.LogSize()-2; j++ {
		res /= 2
		out := cfg.Channels(res)
		group := fmt.Sprintf("convs.%d", j)
		d.blocks = append(d.blocks, resBlock{
			conv1: nn.NewLinear(d.ParameterSet, group, group+".conv1", in, in, true, 0, rng),
			conv2: nn.NewLinear(d.ParameterSet, group, group+".conv2", in, out, true, 0, rng),
			skip:  nn.NewLinear(d.ParameterSet, group, group+".skip", in, out, false, 0, rng),
		})
		in = out
	}

	d.finalConv = nn.NewLinear(d.ParameterSet, "final_conv", "final_conv", in, in, true, 0, rng)
	d.finalLinear[0] = nn.NewLinear(d.ParameterSet, "final_linear", "final_linear.0", in, in, true, 0, rng)
	d.finalLinear[1] = nn.NewLinear(d.ParameterSet, "final_linear", "final_linear.1", in, 1, true, 0, rng)
	return d, nil
}

func (d *MLPDiscriminator) LogSize() int { return d.cfg.LogSize() }

// Score implements nn.Discriminator.
func (d *MLPDiscriminator) Score(img *tensor.Tensor) (*tensor.Tensor, error) {
	size := d.cfg.Size
	if img.Dim() != 4 || img.Shape[1] != 3 || img.Shape[2] != size || img.Shape[3] != size {
		return nil, errors.Errorf("discriminator expects [batch, 3, %d, %d], got %v", size, size, img.Shape)
	}
	batch := img.Shape[0]

	dense := func(l *nn.Linear, h *tensor.Tensor, activate bool) (*tensor.Tensor, error) {
		out, err := l.Forward(h)
		if err != nil {
			return nil, err
		}
		if activate {
			out = tensor.LeakyReLU(out, leakySlope)
		}
		return out, nil
	}

	h, err := dense(d.fromRGB, tensor.Reshape(img, []int{batch, 3 * size * size}), true)
	if err != nil {
		return nil, errors.Wrap(err, "convs.0")
	}

	for j, b := range d.blocks {
		a, err := dense(b.conv1, h, true)
		if err != nil {
			return nil, errors.Wrapf(err, "convs.%d", j+1)
		}
		if a, err = dense(b.conv2, a, true); err != nil {
			return nil, errors.Wrapf(err, "convs.%d", j+1)
		}
		s, err := dense(b.skip, h, false)
		if err != nil {
			return nil, errors.Wrapf(err, "convs.%d", j+1)
		}
		h = tensor.Scale(tensor.Add(a, s), 1/math.Sqrt2)
	}

	if h, err = dense(d.finalConv, h, true); err != nil {
		return nil, errors.Wrap(err, "final_conv")
	}
	if h, err = dense(d.finalLinear[0], h, true); err != nil {
		return nil, errors.Wrap(err, "final_linear.0")
	}
	out, err := dense(d.finalLinear[1], h, false)
	return out, errors.Wrap(err, "final_linear.1")
}
