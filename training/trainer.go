// Package training runs the StyleGAN2 transfer-learning loop: alternating
// discriminator and generator updates with lazy R1 and path-length
// regularisation, adaptive augmentation, EMA tracking and rank-0 reporting.
package training

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-stylegan/async"
	"github.com/tsawler/go-stylegan/augment"
	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/distributed"
	"github.com/tsawler/go-stylegan/ema"
	"github.com/tsawler/go-stylegan/freeze"
	"github.com/tsawler/go-stylegan/losses"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/noise"
	"github.com/tsawler/go-stylegan/optimizer"
	"github.com/tsawler/go-stylegan/tensor"
)

// Augmenter applies augmentation with probability p to a batch of images.
// The result must stay differentiable with respect to img.
type Augmenter interface {
	Augment(img *tensor.Tensor, p float64) (*tensor.Tensor, error)
}

// Components are the collaborators of a Trainer.
type Components struct {
	Generator nn.Generator
	// GeneratorSource is the frozen pre-trained generator. Required when
	// style injection, freezeFC or the structure loss is enabled.
	GeneratorSource    nn.Generator
	Discriminator      nn.Discriminator
	GeneratorEMA       nn.Generator
	GeneratorOptim     optimizer.Optimizer
	DiscriminatorOptim optimizer.Optimizer

	// Batches yields real image batches indefinitely.
	Batches async.BatchSource
	// Augmenter defaults to augment.Pipeline when augmentation is enabled.
	Augmenter Augmenter

	Group     distributed.Group
	Observers []Observer
	Logger    *logrus.Entry
}

// Trainer owns the training state and runs iterations.
type Trainer struct {
	cfg        Config
	c          Components
	controller *freeze.Controller
	noise      *noise.Sampler
	ada        *augment.Adaptive
	state      State
	runID      string
	log        *logrus.Entry
}

func NewTrainer(cfg Config, c Components) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if c.Generator == nil || c.Discriminator == nil || c.GeneratorEMA == nil {
		return nil, errors.New("generator, discriminator and EMA generator are required")
	}
	if c.GeneratorOptim == nil || c.DiscriminatorOptim == nil {
		return nil, errors.New("both optimizers are required")
	}
	if c.Batches == nil {
		return nil, errors.New("a batch source is required")
	}
	spec := cfg.FreezeSpec()
	if spec.NeedsSource() && c.GeneratorSource == nil {
		return nil, errors.New("transfer-learning settings need a source generator")
	}
	if c.Group == nil {
		c.Group = distributed.Local{}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	controller, err := freeze.NewController(spec, c.Generator, c.Discriminator)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:        cfg,
		c:          c,
		controller: controller,
		noise:      noise.NewSampler(cfg.Seed, distributed.Rank(c.Group)),
		runID:      uuid.NewString(),
		log:        c.Logger.WithField("rank", distributed.Rank(c.Group)),
		state: State{
			Iteration: cfg.StartIter,
			AdaAugP:   cfg.AugmentP,
		},
	}

	if cfg.Augment && t.c.Augmenter == nil {
		t.c.Augmenter = augment.NewPipeline(t.noise.Rand())
	}
	if cfg.AdaptiveAugment() {
		t.ada, err = augment.NewAdaptive(cfg.AdaTarget, cfg.AdaLength, cfg.AdaEvery, cfg.Batch, cfg.AugmentP)
		if err != nil {
			return nil, err
		}
	}

	// The source generator and the EMA copy never receive gradients.
	if c.GeneratorSource != nil {
		freeze.SetTrainable(c.GeneratorSource, false)
	}
	freeze.SetTrainable(c.GeneratorEMA, false)
	return t, nil
}

// AddObserver registers o for every following iteration.
func (t *Trainer) AddObserver(o Observer) {
	t.c.Observers = append(t.c.Observers, o)
}

func (t *Trainer) Config() Config { return t.cfg }

func (t *Trainer) RunID() string { return t.runID }

// State returns a copy of the current state.
func (t *Trainer) State() State {
	s := t.state
	s.Losses = t.state.Snapshot().Losses
	return s
}

// Run executes iterations until the index exceeds StartIter+Iter or ctx is
// done, so the end iteration itself is trained.
// Observers implementing io.Closer are closed on return.
func (t *Trainer) Run(ctx context.Context) error {
	defer t.closeObservers()

	end := t.cfg.StartIter + t.cfg.Iter
	t.log.WithFields(logrus.Fields{"start": t.state.Iteration, "end": end, "run_id": t.runID}).Info("Starting training")
	for t.state.Iteration <= end {
		if err := ctx.Err(); err != nil {
			t.log.WithField("iter", t.state.Iteration).Info("Training interrupted")
			return err
		}
		if _, err := t.Step(ctx); err != nil {
			return err
		}
	}
	t.log.Info("Done!")
	return nil
}

func (t *Trainer) closeObservers() {
	for _, o := range t.c.Observers {
		if c, ok := o.(io.Closer); ok {
			if err := c.Close(); err != nil {
				t.log.WithError(err).Warn("Closing observer failed")
			}
		}
	}
}

// Step runs one full iteration: discriminator update, augmentation tuning,
// R1, generator update, path-length regularisation, EMA update, loss
// reduction and reporting.
func (t *Trainer) Step(ctx context.Context) (*Snapshot, error) {
	i := t.state.Iteration
	cfg := t.cfg
	spec := t.controller.Spec()
	g, d := t.c.Generator, t.c.Discriminator
	log := t.log.WithField("iter", i)

	report := map[string]float64{LossR1: 0, LossPath: 0, LossPathLength: 0}

	realImg, err := t.c.Batches.Sample(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch batch")
	}
	batch := realImg.Shape[0]

	// Discriminator
	t.controller.EnterDiscriminatorPhase()

	fakeImg, err := t.generate(t.noise.MixingNoise(batch, g.LatentDim(), cfg.Mixing), true)
	if err != nil {
		return nil, errors.Wrap(err, "generate for discriminator")
	}
	realAug, err := t.augment(realImg)
	if err != nil {
		return nil, errors.Wrap(err, "augment real")
	}
	if fakeImg, err = t.augment(fakeImg); err != nil {
		return nil, errors.Wrap(err, "augment fake")
	}
	fakePred, err := d.Score(fakeImg)
	if err != nil {
		return nil, errors.Wrap(err, "score fake")
	}
	realPred, err := d.Score(realAug)
	if err != nil {
		return nil, errors.Wrap(err, "score real")
	}
	dLoss := losses.DiscriminatorLogistic(realPred, fakePred)
	report[LossD] = dLoss.Item()
	report[LossRealScore] = stat.Mean(realPred.Data, nil)
	report[LossFakeScore] = stat.Mean(fakePred.Data, nil)

	if err := t.update(ctx, d, t.c.DiscriminatorOptim, dLoss); err != nil {
		return nil, errors.Wrap(err, "discriminator step")
	}

	if t.ada != nil {
		p, err := t.ada.Tune(ctx, t.c.Group, realPred)
		if err != nil {
			return nil, err
		}
		t.state.AdaAugP = p
		t.state.RtStat = t.ada.RtStat()
	}

	if i%cfg.DRegEvery == 0 {
		r1, err := t.regularizeDiscriminator(ctx, realImg)
		if err != nil {
			return nil, errors.Wrap(err, "r1 regularisation")
		}
		report[LossR1] = r1
	}

	// Generator
	t.controller.EnterGeneratorPhase()

	styles := t.noise.MixingNoise(batch, g.LatentDim(), cfg.Mixing)
	fakeImg, err = t.generate(styles, false)
	if err != nil {
		return nil, errors.Wrap(err, "generate for generator")
	}
	if fakeImg, err = t.augment(fakeImg); err != nil {
		return nil, errors.Wrap(err, "augment fake")
	}
	fakePred, err = d.Score(fakeImg)
	if err != nil {
		return nil, errors.Wrap(err, "score fake")
	}
	gLoss := losses.GeneratorNonSaturating(fakePred)
	report[LossG] = gLoss.Item()

	for layer := 1; layer <= spec.StructureLoss; layer++ {
		mse, err := t.structureLoss(styles, layer)
		if err != nil {
			return nil, errors.Wrapf(err, "structure loss at layer %d", layer)
		}
		gLoss = tensor.Add(gLoss, mse)
	}

	if err := t.update(ctx, g, t.c.GeneratorOptim, gLoss); err != nil {
		return nil, errors.Wrap(err, "generator step")
	}

	if !spec.FreezesG() && i%cfg.GRegEvery == 0 {
		penalty, pathLength, err := t.regularizeGenerator(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "path length regularisation")
		}
		report[LossPath] = penalty
		report[LossPathLength] = pathLength
	}

	if err := ema.Accumulate(t.c.GeneratorEMA, g, cfg.EMADecay); err != nil {
		return nil, errors.Wrap(err, "ema update")
	}

	reduced, err := distributed.ReduceLossDict(ctx, t.c.Group, report)
	if err != nil {
		return nil, errors.Wrap(err, "reduce losses")
	}
	t.state.Losses = reduced

	if key, ok := checkFinite(reduced); !ok {
		if cfg.AbortOnNonFinite {
			return nil, errors.Wrapf(ErrNonFiniteLoss, "%s at iteration %d", key, i)
		}
		log.WithField("loss", key).Warn("Non-finite loss")
	}

	// The snapshot reports iteration i; checkpoints taken by observers
	// record i+1, the next iteration to run.
	snap := t.state.Snapshot()
	t.state.Iteration++
	if distributed.IsMain(t.c.Group) {
		for _, o := range t.c.Observers {
			if err := o.OnIteration(ctx, snap); err != nil {
				log.WithError(err).Warn("Observer failed")
			}
		}
	}
	return snap, nil
}

// generate produces fake images from styles, routing latents through the
// source generator when style injection or freezeFC is active. freezeFC
// only applies to the discriminator phase.
func (t *Trainer) generate(styles []*tensor.Tensor, discriminatorPhase bool) (*tensor.Tensor, error) {
	spec := t.controller.Spec()
	g := t.c.Generator

	var opts nn.GenerateOptions
	if spec.InjectsStyle() || (spec.FreezeFC && discriminatorPhase) {
		_, latent, err := t.c.GeneratorSource.Generate(styles, nn.GenerateOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "source generator")
		}
		if spec.InjectsStyle() {
			opts = nn.GenerateOptions{InjectIndex: spec.FreezeStyle, PutLatent: latent}
		} else {
			opts = nn.GenerateOptions{FixedLatent: latent}
		}
	}
	img, _, err := g.Generate(styles, opts)
	return img, err
}

func (t *Trainer) augment(img *tensor.Tensor) (*tensor.Tensor, error) {
	if !t.cfg.Augment || t.c.Augmenter == nil {
		return img, nil
	}
	return t.c.Augmenter.Augment(img, t.state.AdaAugP)
}

// update runs zero-grad, backward, gradient averaging and an optimizer step.
func (t *Trainer) update(ctx context.Context, net nn.Network, opt optimizer.Optimizer, loss *tensor.Tensor) error {
	opt.ZeroGrad()
	if err := tensor.Backward(loss); err != nil {
		return err
	}
	if err := distributed.AllReduceGradients(ctx, t.c.Group, net); err != nil {
		return err
	}
	return opt.Step()
}

// regularizeDiscriminator applies the lazy R1 penalty and returns its value.
func (t *Trainer) regularizeDiscriminator(ctx context.Context, realImg *tensor.Tensor) (float64, error) {
	realImg.SetRequiresGrad(true)
	defer realImg.SetRequiresGrad(false)

	realAug, err := t.augment(realImg)
	if err != nil {
		return 0, err
	}
	realPred, err := t.c.Discriminator.Score(realAug)
	if err != nil {
		return 0, err
	}
	r1, err := losses.R1Penalty(realPred, realImg)
	if err != nil {
		return 0, err
	}

	// The zero-weighted prediction keeps every output in the graph so that
	// all workers reduce the same gradient set.
	loss := tensor.Add(
		tensor.Scale(r1, t.cfg.R1/2*float64(t.cfg.DRegEvery)),
		tensor.Scale(tensor.At(realPred, 0), 0),
	)
	if err := t.update(ctx, t.c.Discriminator, t.c.DiscriminatorOptim, loss); err != nil {
		return 0, err
	}
	return r1.Item(), nil
}

// structureLoss is the MSE between the trained and source generators'
// features after the given synthesis layer.
func (t *Trainer) structureLoss(styles []*tensor.Tensor, layer int) (*tensor.Tensor, error) {
	src, err := t.c.GeneratorSource.SwapFeature(styles, layer)
	if err != nil {
		return nil, err
	}
	tgt, err := t.c.Generator.SwapFeature(styles, layer)
	if err != nil {
		return nil, err
	}
	return losses.MSE(tgt, src)
}

// regularizeGenerator applies the lazy path-length penalty on a shrunk batch
// and returns the penalty and the mean path length of the batch.
func (t *Trainer) regularizeGenerator(ctx context.Context) (float64, float64, error) {
	g := t.c.Generator
	styles := t.noise.MixingNoise(t.cfg.PathBatch(), g.LatentDim(), t.cfg.Mixing)

	fakeImg, latents, err := g.Generate(styles, nn.GenerateOptions{})
	if err != nil {
		return 0, 0, err
	}
	if !latents.RequiresGrad() {
		// Frozen mapping network: differentiate through a detached copy.
		latents = tensor.Detach(latents)
		latents.SetRequiresGrad(true)
		if fakeImg, _, err = g.Generate(styles, nn.GenerateOptions{FixedLatent: latents}); err != nil {
			return 0, 0, err
		}
	}

	res, err := losses.PathRegularize(t.noise.Rand(), fakeImg, latents, t.state.MeanPathLength, t.cfg.PathDecay)
	if err != nil {
		return 0, 0, err
	}

	loss := tensor.Add(
		tensor.Scale(res.Penalty, t.cfg.PathRegularize*float64(t.cfg.GRegEvery)),
		tensor.Scale(tensor.At(fakeImg, 0), 0),
	)
	if err := t.update(ctx, g, t.c.GeneratorOptim, loss); err != nil {
		return 0, 0, err
	}

	t.state.MeanPathLength = res.MeanPathLength
	sum, err := distributed.ReduceSum(ctx, t.c.Group, res.MeanPathLength)
	if err != nil {
		return 0, 0, errors.Wrap(err, "reduce mean path length")
	}
	t.state.MeanPathLengthAvg = sum / float64(distributed.WorldSize(t.c.Group))

	return res.Penalty.Item(), stat.Mean(res.PathLengths.Data, nil), nil
}

// Checkpoint captures the networks, optimizer states, run arguments and
// loop counters.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	args, err := json.Marshal(t.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "encode args")
	}
	gState, err := t.c.GeneratorOptim.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "generator optimizer state")
	}
	dState, err := t.c.DiscriminatorOptim.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer state")
	}
	return &checkpoints.Checkpoint{
		Generator:          checkpoints.ExtractWeights(t.c.Generator),
		Discriminator:      checkpoints.ExtractWeights(t.c.Discriminator),
		GeneratorEMA:       checkpoints.ExtractWeights(t.c.GeneratorEMA),
		GeneratorOptim:     gState,
		DiscriminatorOptim: dState,
		Args:               args,
		AdaAugP:            t.state.AdaAugP,
		TrainingState: checkpoints.TrainingState{
			Iteration:      t.state.Iteration,
			MeanPathLength: t.state.MeanPathLength,
			RtStat:         t.state.RtStat,
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID: t.runID,
			Tags:  []string{t.cfg.Arch},
		},
	}, nil
}

// Restore applies ckpt and continues from startIter. Network weights load
// leniently: missing, unexpected and mismatched entries are logged and the
// affected parameters keep their current values.
func (t *Trainer) Restore(ckpt *checkpoints.Checkpoint, startIter int) error {
	for _, target := range []struct {
		name    string
		net     nn.Network
		weights []checkpoints.WeightTensor
	}{
		{"g", t.c.Generator, ckpt.Generator},
		{"d", t.c.Discriminator, ckpt.Discriminator},
		{"g_ema", t.c.GeneratorEMA, ckpt.GeneratorEMA},
	} {
		rep := checkpoints.LoadWeights(target.net, target.weights)
		entry := t.log.WithFields(logrus.Fields{"network": target.name, "loaded": rep.Loaded})
		if rep.Complete() {
			entry.Debug("Weights restored")
			continue
		}
		entry.WithFields(logrus.Fields{
			"missing":    len(rep.Missing),
			"unexpected": len(rep.Unexpected),
			"mismatched": rep.Mismatched,
		}).Warn("Weights partially restored")
	}

	if ckpt.GeneratorOptim != nil {
		if err := t.c.GeneratorOptim.LoadState(ckpt.GeneratorOptim); err != nil {
			return errors.Wrap(err, "restore generator optimizer")
		}
	}
	if ckpt.DiscriminatorOptim != nil {
		if err := t.c.DiscriminatorOptim.LoadState(ckpt.DiscriminatorOptim); err != nil {
			return errors.Wrap(err, "restore discriminator optimizer")
		}
	}

	if t.ada != nil {
		t.ada.SetProbability(ckpt.AdaAugP)
		t.state.AdaAugP = t.ada.P()
	}
	t.state.MeanPathLength = ckpt.TrainingState.MeanPathLength
	t.state.RtStat = ckpt.TrainingState.RtStat
	t.state.Iteration = startIter
	return nil
}
