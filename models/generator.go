package models

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
)

const leakySlope = 0.2

// MLPGenerator is a StyleGAN2-shaped generator. Parameter groups:
//
//	style               mapping network (style.1 .. style.NMLP)
//	input               learned constant
//	conv1, to_rgb1      4x4 layers
//	convs.{2k,2k+1}     upsampling block k (resolution 8 * 2^k)
//	to_rgbs.{k}         RGB skip output of block k
type MLPGenerator struct {
	*nn.ParameterSet

	cfg     Config
	rng     *rand.Rand
	mapping []*nn.Linear
	input   *nn.Parameter
	conv1   *nn.ModulatedLinear
	toRGB1  *nn.ModulatedLinear
	convs   []*nn.ModulatedLinear
	toRGBs  []*nn.ModulatedLinear
}

var _ nn.Generator = (*MLPGenerator)(nil)

// NewGenerator builds a generator named name. Two generators built from the
// same Config have identical parameter names and shapes.
func NewGenerator(name string, cfg Config) (*MLPGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "generator config")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	g := &MLPGenerator{
		ParameterSet: nn.NewParameterSet(name),
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.Seed + 1)),
	}

	for i := 1; i <= cfg.NMLP; i++ {
		g.mapping = append(g.mapping, nn.NewLinear(g.ParameterSet, "style", fmt.Sprintf("style.%d", i), cfg.LatentDim, cfg.LatentDim, true, 0, rng))
	}

	width := cfg.Channels(4)
	constant := tensor.RandN(rng, width)
	g.input = g.Register("input", "input.input", constant)

	g.conv1 = nn.NewModulatedLinear(g.ParameterSet, "conv1", "conv1", width, width, cfg.LatentDim, rng)
	g.toRGB1 = nn.NewModulatedLinear(g.ParameterSet, "to_rgb1", "to_rgb1", width, 3*4*4, cfg.LatentDim, rng)

	in := width
	for k := 0; k < cfg.LogSize()-2; k++ {
		res := 8 << k
		out := cfg.Channels(res)
		up := fmt.Sprintf("convs.%d", 2*k)
		same := fmt.Sprintf("convs.%d", 2*k+1)
		rgb := fmt.Sprintf("to_rgbs.%d", k)
		g.convs = append(g.convs,
			nn.NewModulatedLinear(g.ParameterSet, up, up, in, out, cfg.LatentDim, rng),
			nn.NewModulatedLinear(g.ParameterSet, same, same, out, out, cfg.LatentDim, rng))
		g.toRGBs = append(g.toRGBs, nn.NewModulatedLinear(g.ParameterSet, rgb, rgb, out, 3*res*res, cfg.LatentDim, rng))
		in = out
	}

	return g, nil
}

func (g *MLPGenerator) Config() Config { return g.cfg }

func (g *MLPGenerator) LogSize() int { return g.cfg.LogSize() }

func (g *MLPGenerator) NumLayers() int { return g.cfg.NumLayers() }

func (g *MLPGenerator) NLatent() int { return g.cfg.NLatent() }

func (g *MLPGenerator) LatentDim() int { return g.cfg.LatentDim }

// Style runs the mapping network on z [batch, dim].
func (g *MLPGenerator) Style(z *tensor.Tensor) (*tensor.Tensor, error) {
	if z.Dim() != 2 || z.Shape[1] != g.cfg.LatentDim {
		return nil, errors.Errorf("style input must be [batch, %d], got %v", g.cfg.LatentDim, z.Shape)
	}

	// pixel norm
	norm := tensor.Sqrt(tensor.AddScalar(tensor.MeanDim(tensor.Square(z), 1), 1e-8))
	w := tensor.Div(z, tensor.ExpandDim(norm, z.Shape, 1))

	for i, layer := range g.mapping {
		out, err := layer.Forward(w)
		if err != nil {
			return nil, errors.Wrapf(err, "style.%d", i+1)
		}
		w = tensor.LeakyReLU(out, leakySlope)
	}
	return w, nil
}

func (g *MLPGenerator) latent(styles []*tensor.Tensor, opts nn.GenerateOptions) (*tensor.Tensor, error) {
	nLatent := g.NLatent()

	if opts.FixedLatent != nil {
		if err := g.checkLatent(opts.FixedLatent); err != nil {
			return nil, errors.Wrap(err, "fixed latent")
		}
		return opts.FixedLatent, nil
	}

	if len(styles) == 0 || len(styles) > 2 {
		return nil, errors.Errorf("expected one or two styles, got %d", len(styles))
	}
	ws := make([]*tensor.Tensor, len(styles))
	for i, z := range styles {
		w, err := g.Style(z)
		if err != nil {
			return nil, err
		}
		ws[i] = w
	}
	if len(ws) == 2 && ws[0].Shape[0] != ws[1].Shape[0] {
		return nil, errors.Errorf("style batch sizes differ: %d vs %d", ws[0].Shape[0], ws[1].Shape[0])
	}

	inject := nLatent
	if len(ws) == 2 {
		if opts.InjectIndex > 0 && opts.PutLatent == nil {
			inject = opts.InjectIndex
		} else {
			inject = g.rng.Intn(nLatent-1) + 1
		}
	}

	putUntil := 0
	if opts.PutLatent != nil {
		if err := g.checkLatent(opts.PutLatent); err != nil {
			return nil, errors.Wrap(err, "put latent")
		}
		if opts.PutLatent.Shape[0] != ws[0].Shape[0] {
			return nil, errors.Errorf("put latent batch %d does not match style batch %d", opts.PutLatent.Shape[0], ws[0].Shape[0])
		}
		if opts.InjectIndex < 0 || opts.InjectIndex > nLatent {
			return nil, errors.Errorf("inject index %d out of range [0, %d]", opts.InjectIndex, nLatent)
		}
		putUntil = opts.InjectIndex
	}

	layers := make([]*tensor.Tensor, nLatent)
	for i := range layers {
		switch {
		case i < putUntil:
			layers[i] = tensor.Select(opts.PutLatent, 1, i)
		case i < inject:
			layers[i] = ws[0]
		default:
			layers[i] = ws[1]
		}
	}
	return tensor.Stack(1, layers...), nil
}

func (g *MLPGenerator) checkLatent(latent *tensor.Tensor) error {
	if latent.Dim() != 3 || latent.Shape[1] != g.NLatent() || latent.Shape[2] != g.cfg.LatentDim {
		return errors.Errorf("latent must be [batch, %d, %d], got %v", g.NLatent(), g.cfg.LatentDim, latent.Shape)
	}
	return nil
}

// Generate implements nn.Generator.
func (g *MLPGenerator) Generate(styles []*tensor.Tensor, opts nn.GenerateOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	latent, err := g.latent(styles, opts)
	if err != nil {
		return nil, nil, err
	}
	img, err := g.synthesis(latent, 0)
	if err != nil {
		return nil, nil, err
	}
	return img, latent, nil
}

// SwapFeature implements nn.Generator.
func (g *MLPGenerator) SwapFeature(styles []*tensor.Tensor, layer int) (*tensor.Tensor, error) {
	if layer < 1 || layer > g.NumLayers() {
		return nil, errors.Errorf("swap layer %d out of range [1, %d]", layer, g.NumLayers())
	}
	latent, err := g.latent(styles, nn.GenerateOptions{})
	if err != nil {
		return nil, err
	}
	return g.synthesis(latent, layer)
}

// synthesis renders latent [batch, nLatent, dim]. When stopAfter > 0 the
// hidden feature after that many synthesis layers is returned instead.
func (g *MLPGenerator) synthesis(latent *tensor.Tensor, stopAfter int) (*tensor.Tensor, error) {
	batch := latent.Shape[0]
	w := func(i int) *tensor.Tensor { return tensor.Select(latent, 1, i) }

	layer := func(l *nn.ModulatedLinear, h *tensor.Tensor, idx int, activate bool) (*tensor.Tensor, error) {
		out, err := l.Forward(h, w(idx))
		if err != nil {
			return nil, errors.Wrapf(err, "synthesis layer %d", idx)
		}
		if activate {
			out = tensor.LeakyReLU(out, leakySlope)
		}
		return out, nil
	}

	h := tensor.Expand(g.input.Value, []int{batch, g.input.Value.Numel()})
	h, err := layer(g.conv1, h, 0, true)
	if err != nil {
		return nil, err
	}
	if stopAfter == 1 {
		return h, nil
	}
	skip, err := layer(g.toRGB1, h, 1, false)
	if err != nil {
		return nil, err
	}

	done := 1
	res := 4
	for k, rgb := range g.toRGBs {
		for j := 0; j < 2; j++ {
			if h, err = layer(g.convs[2*k+j], h, 2*k+1+j, true); err != nil {
				return nil, err
			}
			done++
			if done == stopAfter {
				return h, nil
			}
		}
		out, err := layer(rgb, h, 2*k+3, false)
		if err != nil {
			return nil, err
		}
		skip = tensor.Add(upsample(skip, batch, res), out)
		res *= 2
	}

	return tensor.Reshape(skip, []int{batch, 3, res, res}), nil
}

// upsample doubles the resolution of flattened RGB images [batch, 3*res*res]
// by nearest-neighbour repetition.
func upsample(img *tensor.Tensor, batch, res int) *tensor.Tensor {
	out := 2 * res
	index := make([]int, 0, batch*3*out*out)
	for b := 0; b < batch; b++ {
		for c := 0; c < 3; c++ {
			base := (b*3 + c) * res * res
			for y := 0; y < out; y++ {
				for x := 0; x < out; x++ {
					index = append(index, base+(y/2)*res+x/2)
				}
			}
		}
	}
	return tensor.Gather(img, index, []int{batch, 3 * out * out})
}
