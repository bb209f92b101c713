package training

import (
	"context"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/ema"
	"github.com/tsawler/go-stylegan/freeze"
	"github.com/tsawler/go-stylegan/models"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/optimizer"
	"github.com/tsawler/go-stylegan/tensor"
)

// randomBatches yields standard-normal images, or NaN images when poison is set.
type randomBatches struct {
	rng    *rand.Rand
	batch  int
	size   int
	poison bool
}

func (b *randomBatches) Sample(ctx context.Context) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := tensor.RandN(b.rng, b.batch, 3, b.size, b.size)
	if b.poison {
		for i := range img.Data {
			img.Data[i] = math.NaN()
		}
	}
	return img, nil
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Size = 16
	cfg.Latent = 4
	cfg.NMLP = 2
	cfg.ChannelMultiplier = 1
	cfg.Iter = 20
	cfg.Batch = 2
	cfg.NSample = 4
	cfg.DRegEvery = 4
	cfg.GRegEvery = 4
	cfg.ConsoleEvery = 0
	cfg.OutputDir = t.TempDir()
	return cfg
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func testComponents(t *testing.T, cfg Config) Components {
	t.Helper()
	mc := cfg.ModelConfig()
	g, err := models.NewGenerator("generator", mc)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	srcCfg := mc
	srcCfg.Seed += 10
	src, err := models.NewGenerator("generator_source", srcCfg)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	d, err := models.NewDiscriminator("discriminator", mc)
	if err != nil {
		t.Fatalf("NewDiscriminator failed: %v", err)
	}
	gEMA, err := models.NewGenerator("g_ema", mc)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	if err := ema.Copy(gEMA, g); err != nil {
		t.Fatalf("ema.Copy failed: %v", err)
	}
	gOpt, err := optimizer.New(cfg.Optimizer, g, cfg.LR, cfg.GRegEvery)
	if err != nil {
		t.Fatalf("generator optimizer: %v", err)
	}
	dOpt, err := optimizer.New(cfg.Optimizer, d, cfg.LR, cfg.DRegEvery)
	if err != nil {
		t.Fatalf("discriminator optimizer: %v", err)
	}
	return Components{
		Generator:          g,
		GeneratorSource:    src,
		Discriminator:      d,
		GeneratorEMA:       gEMA,
		GeneratorOptim:     gOpt,
		DiscriminatorOptim: dOpt,
		Batches:            &randomBatches{rng: rand.New(rand.NewSource(7)), batch: cfg.Batch, size: cfg.Size},
		Logger:             quietLogger(),
	}
}

func newTestTrainer(t *testing.T, cfg Config) (*Trainer, Components) {
	t.Helper()
	c := testComponents(t, cfg)
	tr, err := NewTrainer(cfg, c)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return tr, c
}

func copyParams(net nn.Network) map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range net.Parameters() {
		out[p.Name] = append([]float64(nil), p.Value.Data...)
	}
	return out
}

func groupChanged(net nn.Network, before map[string][]float64, group string) bool {
	for _, p := range net.Group(group) {
		for i, v := range p.Value.Data {
			if v != before[p.Name][i] {
				return true
			}
		}
	}
	return false
}

func distance(a, b nn.Network) float64 {
	values := copyParams(b)
	total := 0.0
	for _, p := range a.Parameters() {
		for i, v := range p.Value.Data {
			total += math.Abs(v - values[p.Name][i])
		}
	}
	return total
}

func TestTrainerEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	tr, _ := newTestTrainer(t, cfg)

	var seen []*Snapshot
	tr.AddObserver(ObserverFunc(func(_ context.Context, snap *Snapshot) error {
		seen = append(seen, snap)
		return nil
	}))

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != cfg.Iter+1 {
		t.Fatalf("observed %d iterations, expected %d", len(seen), cfg.Iter+1)
	}

	for i, snap := range seen {
		if snap.Iteration != i {
			t.Errorf("snapshot %d has iteration %d", i, snap.Iteration)
		}
		for _, key := range LossKeys {
			v, ok := snap.Losses[key]
			if !ok {
				t.Errorf("iteration %d: missing %s", i, key)
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Errorf("iteration %d: %s = %v", i, key, v)
			}
		}

		regularized := i%4 == 0
		if r1 := snap.Loss(LossR1); (r1 != 0) != regularized {
			t.Errorf("iteration %d: r1 = %v, regularized %t", i, r1, regularized)
		}
		if pl := snap.Loss(LossPathLength); (pl != 0) != regularized {
			t.Errorf("iteration %d: path_length = %v, regularized %t", i, pl, regularized)
		}
		if snap.Loss(LossD) <= 0 {
			t.Errorf("iteration %d: discriminator loss %v should be positive", i, snap.Loss(LossD))
		}
	}

	if st := tr.State(); st.Iteration != cfg.Iter+1 || st.MeanPathLength <= 0 {
		t.Errorf("final state %+v", st)
	}
}

func TestEMAConvergesToFixedGenerator(t *testing.T) {
	cfg := testConfig(t)
	cfg.EMADecay = 0.5
	tr, c := newTestTrainer(t, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := tr.Step(ctx); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	c.GeneratorOptim.UpdateLearningRate(0)
	fixed := copyParams(c.Generator)
	prev := distance(c.GeneratorEMA, c.Generator)
	if prev == 0 {
		t.Fatal("EMA already equals the generator")
	}

	for i := 0; i < 6; i++ {
		if _, err := tr.Step(ctx); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		for _, group := range c.Generator.Groups() {
			if groupChanged(c.Generator, fixed, group) {
				t.Fatalf("generator group %s moved with zero learning rate", group)
			}
		}
		cur := distance(c.GeneratorEMA, c.Generator)
		if cur >= prev {
			t.Fatalf("EMA distance grew from %v to %v", prev, cur)
		}
		if math.Abs(cur-prev*cfg.EMADecay) > 1e-9*prev {
			t.Errorf("EMA distance %v, expected %v", cur, prev*cfg.EMADecay)
		}
		prev = cur
	}
}

func TestFreezeGeneratorBlocks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Size = 32
	cfg.FreezeG = 2
	tr, c := newTestTrainer(t, cfg)
	before := copyParams(c.Generator)

	snap, err := tr.Step(context.Background())
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if snap.Loss(LossPath) != 0 {
		t.Errorf("path regularisation ran with frozen generator blocks: %v", snap.Loss(LossPath))
	}

	// numLayers 7, logSize 5: the two highest-resolution blocks.
	for _, group := range []string{"convs.5", "convs.4", "to_rgbs.2", "convs.3", "convs.2", "to_rgbs.1"} {
		if groupChanged(c.Generator, before, group) {
			t.Errorf("frozen group %s changed", group)
		}
	}
	for _, group := range []string{"convs.0", "convs.1", "conv1"} {
		if !groupChanged(c.Generator, before, group) {
			t.Errorf("trainable group %s did not change", group)
		}
	}
}

func TestTransferModes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		frozen []string // generator groups that must not move
	}{
		{"freezeStyle", func(c *Config) { c.FreezeStyle = 2 }, nil},
		{"freezeFC", func(c *Config) { c.FreezeFC = true }, []string{freeze.MappingGroup}},
		{"structure loss", func(c *Config) { c.StructureLoss = 3 }, nil},
		{"freezeD", func(c *Config) { c.FreezeD = 1 }, nil},
		{"adaptive augment", func(c *Config) { c.Augment = true; c.AdaEvery = 2; c.AdaLength = 100 }, nil},
		{"fixed augment", func(c *Config) { c.Augment = true; c.AugmentP = 0.5 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(&cfg)
			tr, c := newTestTrainer(t, cfg)
			source := copyParams(c.GeneratorSource)
			before := copyParams(c.Generator)

			for i := 0; i < 5; i++ {
				snap, err := tr.Step(context.Background())
				if err != nil {
					t.Fatalf("Step %d failed: %v", i, err)
				}
				if _, ok := checkFinite(snap.Losses); !ok {
					t.Fatalf("Step %d produced non-finite losses %v", i, snap.Losses)
				}
			}
			for _, group := range c.GeneratorSource.Groups() {
				if groupChanged(c.GeneratorSource, source, group) {
					t.Errorf("source generator group %s changed", group)
				}
			}
			for _, group := range tt.frozen {
				if groupChanged(c.Generator, before, group) {
					t.Errorf("generator group %s changed", group)
				}
			}
			if !groupChanged(c.Generator, before, "conv1") {
				t.Error("generator conv1 did not train")
			}
			if cfg.AugmentP > 0 && tr.State().AdaAugP != cfg.AugmentP {
				t.Errorf("fixed augmentation probability changed to %v", tr.State().AdaAugP)
			}
		})
	}
}

func TestAdaptiveAugmentMoves(t *testing.T) {
	cfg := testConfig(t)
	cfg.Augment = true
	cfg.AdaEvery = 1
	cfg.AdaLength = 20
	tr, _ := newTestTrainer(t, cfg)

	snap, err := tr.Step(context.Background())
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// One update moves p by batch*every/length = 0.1 or clamps at 0.
	if p := snap.AdaAugP; p != 0 && math.Abs(p-0.1) > 1e-12 {
		t.Errorf("augmentation probability %v, expected 0 or 0.1", p)
	}
	if rt := snap.RtStat; rt < -1 || rt > 1 {
		t.Errorf("r_t statistic %v outside [-1, 1]", rt)
	}
}

func TestNonFiniteLoss(t *testing.T) {
	cfg := testConfig(t)
	tr, c := newTestTrainer(t, cfg)
	c.Batches.(*randomBatches).poison = true

	_, err := tr.Step(context.Background())
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("Expected ErrNonFiniteLoss, got %v", err)
	}

	cfg.AbortOnNonFinite = false
	tr, c = newTestTrainer(t, cfg)
	c.Batches.(*randomBatches).poison = true
	if _, err := tr.Step(context.Background()); err != nil {
		t.Errorf("Expected warning only, got %v", err)
	}
}

func TestRunBounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartIter = 3
	cfg.Iter = 2
	tr, _ := newTestTrainer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if it := tr.State().Iteration; it != 3 {
		t.Errorf("cancelled run advanced to %d", it)
	}

	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Iterations 3, 4 and 5 run; the end index is inclusive.
	if it := tr.State().Iteration; it != 6 {
		t.Errorf("iteration %d after run, expected 6", it)
	}
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := testConfig(t)
	c := testComponents(t, cfg)

	missing := c
	missing.Batches = nil
	if _, err := NewTrainer(cfg, missing); err == nil {
		t.Error("Expected error without batch source")
	}

	cfg.StructureLoss = 2
	noSource := c
	noSource.GeneratorSource = nil
	if _, err := NewTrainer(cfg, noSource); err == nil {
		t.Error("Expected error without source generator")
	}

	cfg = testConfig(t)
	cfg.FreezeG = 5
	if _, err := NewTrainer(cfg, c); err == nil {
		t.Error("Expected error for freezeG deeper than the generator")
	}
}

func TestCheckpointRestore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Augment = true
	tr, c := newTestTrainer(t, cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := tr.Step(ctx); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	ckpt, err := tr.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	ckpt.AdaAugP = 0.25
	if ckpt.TrainingState.Iteration != 3 || ckpt.Metadata.RunID != tr.RunID() {
		t.Errorf("unexpected training state %+v / run %q", ckpt.TrainingState, ckpt.Metadata.RunID)
	}

	// Iterations 0..2 are done; the file is named after the last of them.
	path := checkpoints.Filename(t.TempDir(), 2, checkpoints.FormatBinary)
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	loaded, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	fresh := testConfig(t)
	fresh.Augment = true
	fresh.Seed = 99
	restored, rc := newTestTrainer(t, fresh)
	start, err := checkpoints.ParseResumeIteration(path)
	if err != nil || start != loaded.TrainingState.Iteration {
		t.Fatalf("resume iteration %d (%v), checkpoint records %d", start, err, loaded.TrainingState.Iteration)
	}
	if err := restored.Restore(loaded, start); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	for _, pair := range []struct{ a, b nn.Network }{
		{c.Generator, rc.Generator},
		{c.Discriminator, rc.Discriminator},
		{c.GeneratorEMA, rc.GeneratorEMA},
	} {
		if dist := distance(pair.a, pair.b); dist != 0 {
			t.Errorf("%s differs after restore by %v", pair.a.Name(), dist)
		}
	}
	st := restored.State()
	if st.Iteration != 3 || st.AdaAugP != 0.25 || st.MeanPathLength != tr.State().MeanPathLength {
		t.Errorf("restored state %+v", st)
	}
	snap, err := restored.Step(ctx)
	if err != nil {
		t.Fatalf("Step after restore failed: %v", err)
	}
	if snap.Iteration != 3 {
		t.Errorf("resumed at iteration %d, expected 3", snap.Iteration)
	}
}
