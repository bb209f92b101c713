package freeze

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-stylegan/nn"
)

// MappingGroup is the layer group of the generator's mapping network.
const MappingGroup = "style"

// Spec declares the transfer-learning mode. Zero or negative depths disable
// the corresponding feature.
type Spec struct {
	// FreezeG is the number of highest-resolution generator blocks kept
	// fixed. Any positive value also disables path-length regularisation.
	FreezeG int `json:"freezeG"`
	// FreezeD is the number of discriminator blocks nearest the output that
	// remain trainable, together with the final layers. Everything else in
	// the discriminator is fixed.
	FreezeD int `json:"freezeD"`
	// FreezeStyle is the style-injection index: layers below it take their
	// latents from the source generator. Negative disables it.
	FreezeStyle int `json:"freezeStyle"`
	// FreezeFC replaces the mapping network output with the source
	// generator's latents and keeps the mapping network fixed.
	FreezeFC bool `json:"freezeFC"`
	// StructureLoss is the number of synthesis layers whose features are
	// matched against the source generator.
	StructureLoss int `json:"structure_loss"`
}

// Disabled returns a Spec with every transfer-learning mode off.
func Disabled() Spec {
	return Spec{FreezeG: -1, FreezeD: -1, FreezeStyle: -1, StructureLoss: -1}
}

// FreezesG reports whether generator blocks are held fixed.
func (s Spec) FreezesG() bool { return s.FreezeG > 0 }

// FreezesD reports whether the discriminator is partially frozen.
func (s Spec) FreezesD() bool { return s.FreezeD > 0 }

// InjectsStyle reports whether the style-injection forward pass is used.
func (s Spec) InjectsStyle() bool { return s.FreezeStyle >= 0 }

// NeedsSource reports whether the frozen source generator takes part in training.
func (s Spec) NeedsSource() bool {
	return s.InjectsStyle() || s.FreezeFC || s.StructureLoss > 0
}

// Validate checks the depths against the network geometry.
func (s Spec) Validate(logSize int) error {
	blocks := logSize - 2
	if s.FreezeG > blocks {
		return errors.Errorf("freezeG %d exceeds the %d generator blocks", s.FreezeG, blocks)
	}
	if s.FreezeD > blocks {
		return errors.Errorf("freezeD %d exceeds the %d discriminator blocks", s.FreezeD, blocks)
	}
	if nLatent := logSize*2 - 2; s.FreezeStyle > nLatent {
		return errors.Errorf("freezeStyle %d exceeds the %d latent layers", s.FreezeStyle, nLatent)
	}
	if numLayers := (logSize-2)*2 + 1; s.StructureLoss > numLayers {
		return errors.Errorf("structure_loss %d exceeds the %d synthesis layers", s.StructureLoss, numLayers)
	}
	if s.InjectsStyle() && s.FreezeFC {
		return errors.New("freezeStyle and freezeFC are mutually exclusive")
	}
	return nil
}

// GeneratorBlock returns the layer groups of generator block k, where block
// 0 is the highest resolution.
func GeneratorBlock(g nn.Generator, k int) []string {
	numLayers, logSize := g.NumLayers(), g.LogSize()
	return []string{
		fmt.Sprintf("convs.%d", numLayers-2-2*k),
		fmt.Sprintf("convs.%d", numLayers-3-2*k),
		fmt.Sprintf("to_rgbs.%d", logSize-3-k),
	}
}

// DiscriminatorBlock returns the layer group of discriminator block k, where
// block 0 is the one nearest the output.
func DiscriminatorBlock(d nn.Discriminator, k int) string {
	return fmt.Sprintf("convs.%d", d.LogSize()-2-k)
}

// DiscriminatorFinalGroups are trainable whenever the discriminator is
// partially frozen.
var DiscriminatorFinalGroups = []string{"final_conv", "final_linear"}

// Controller applies a Spec to a generator/discriminator pair at the start of
// each training phase. Every flag of both networks is rewritten on each call,
// so the result does not depend on the previous phase.
type Controller struct {
	spec Spec
	g    nn.Generator
	d    nn.Discriminator

	frozenG    []string
	trainableD []string
}

func NewController(spec Spec, g nn.Generator, d nn.Discriminator) (*Controller, error) {
	if err := spec.Validate(g.LogSize()); err != nil {
		return nil, err
	}
	c := &Controller{spec: spec, g: g, d: d}

	for k := 0; k < spec.FreezeG; k++ {
		c.frozenG = append(c.frozenG, GeneratorBlock(g, k)...)
	}
	if spec.FreezeFC {
		c.frozenG = append(c.frozenG, MappingGroup)
	}
	for k := 0; k < spec.FreezeD; k++ {
		c.trainableD = append(c.trainableD, DiscriminatorBlock(d, k))
	}
	if spec.FreezesD() {
		c.trainableD = append(c.trainableD, DiscriminatorFinalGroups...)
	}

	for _, group := range c.frozenG {
		if g.Group(group) == nil {
			return nil, errors.Errorf("generator %s has no layer group %q", g.Name(), group)
		}
	}
	for _, group := range c.trainableD {
		if d.Group(group) == nil {
			return nil, errors.Errorf("discriminator %s has no layer group %q", d.Name(), group)
		}
	}
	return c, nil
}

func (c *Controller) Spec() Spec { return c.spec }

// EnterDiscriminatorPhase freezes the whole generator and makes the
// discriminator trainable, limited to its trainable blocks when FreezeD is set.
func (c *Controller) EnterDiscriminatorPhase() {
	SetTrainable(c.g, false)
	if c.spec.FreezesD() {
		SetTrainable(c.d, false)
		SetTrainable(c.d, true, c.trainableD...)
		return
	}
	SetTrainable(c.d, true)
}

// EnterGeneratorPhase freezes the whole discriminator and makes the
// generator trainable except the frozen high-resolution blocks and, with
// FreezeFC, the mapping network.
func (c *Controller) EnterGeneratorPhase() {
	SetTrainable(c.d, false)
	SetTrainable(c.g, true)
	if len(c.frozenG) > 0 {
		SetTrainable(c.g, false, c.frozenG...)
	}
}
