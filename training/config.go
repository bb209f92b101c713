package training

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/ema"
	"github.com/tsawler/go-stylegan/freeze"
	"github.com/tsawler/go-stylegan/models"
)

// Config holds every option of a training run. JSON names follow the
// command-line flags so the config can be stored in checkpoints as args.
type Config struct {
	// Data and architecture
	Path              string `json:"path"`
	Arch              string `json:"arch"`
	Size              int    `json:"size"`
	Latent            int    `json:"latent"`
	NMLP              int    `json:"n_mlp"`
	ChannelMultiplier int    `json:"channel_multiplier"`
	SyntheticSize     int    `json:"synthetic_size"`

	// Schedule
	Iter      int   `json:"iter"`
	StartIter int   `json:"start_iter"`
	Batch     int   `json:"batch"`
	NSample   int   `json:"n_sample"`
	Seed      int64 `json:"seed"`

	// Optimisation and regularisation
	Optimizer       string  `json:"optimizer"`
	LR              float64 `json:"lr"`
	R1              float64 `json:"r1"`
	PathRegularize  float64 `json:"path_regularize"`
	PathBatchShrink int     `json:"path_batch_shrink"`
	PathDecay       float64 `json:"path_decay"`
	DRegEvery       int     `json:"d_reg_every"`
	GRegEvery       int     `json:"g_reg_every"`
	Mixing          float64 `json:"mixing"`
	EMADecay        float64 `json:"ema_decay"`

	// Augmentation; AugmentP 0 selects the adaptive probability
	Augment   bool    `json:"augment"`
	AugmentP  float64 `json:"augment_p"`
	AdaTarget float64 `json:"ada_target"`
	AdaLength int     `json:"ada_length"`
	AdaEvery  int     `json:"ada_every"`

	// Transfer learning
	FreezeD       int  `json:"freezeD"`
	FreezeG       int  `json:"freezeG"`
	StructureLoss int  `json:"structure_loss"`
	FreezeStyle   int  `json:"freezeStyle"`
	FreezeFC      bool `json:"freezeFC"`

	// Output
	Ckpt             string `json:"ckpt,omitempty"`
	OutputDir        string `json:"output_dir"`
	CheckpointFormat string `json:"checkpoint_format"`
	ConsoleEvery     int    `json:"console_every"`
	SampleEvery      int    `json:"sample_every"`
	CheckpointEvery  int    `json:"checkpoint_every"`
	Metrics          bool   `json:"metrics"`
	MetricsFile      string `json:"metrics_file,omitempty"`
	MetricsURL       string `json:"metrics_url,omitempty"`
	Progress         bool   `json:"progress"`

	// Input pipeline
	Prefetch  int `json:"prefetch"`
	Workers   int `json:"workers"`
	CacheSize int `json:"cache_size"`

	AbortOnNonFinite bool `json:"abort_on_non_finite"`
}

// DefaultConfig returns the defaults of the reference StyleGAN2 trainer,
// scaled down where the MLP networks need smaller widths.
func DefaultConfig() Config {
	mc := models.DefaultConfig()
	return Config{
		Arch:              "stylegan2",
		Size:              mc.Size,
		Latent:            mc.LatentDim,
		NMLP:              mc.NMLP,
		ChannelMultiplier: 2,

		Iter:    800000,
		Batch:   16,
		NSample: 64,
		Seed:    1,

		Optimizer:       "adam",
		LR:              0.002,
		R1:              10,
		PathRegularize:  2,
		PathBatchShrink: 2,
		PathDecay:       0.01,
		DRegEvery:       16,
		GRegEvery:       4,
		Mixing:          0.9,
		EMADecay:        ema.DefaultDecay,

		AdaTarget: 0.6,
		AdaLength: 500 * 1000,
		AdaEvery:  256,

		FreezeD:       -1,
		FreezeG:       -1,
		StructureLoss: -1,
		FreezeStyle:   -1,

		OutputDir:        "output",
		CheckpointFormat: "json",
		ConsoleEvery:     1000,
		SampleEvery:      500,
		CheckpointEvery:  500,

		Prefetch:  2,
		Workers:   4,
		CacheSize: 1024,

		AbortOnNonFinite: true,
	}
}

// FreezeSpec extracts the transfer-learning settings.
func (c Config) FreezeSpec() freeze.Spec {
	return freeze.Spec{
		FreezeG:       c.FreezeG,
		FreezeD:       c.FreezeD,
		FreezeStyle:   c.FreezeStyle,
		FreezeFC:      c.FreezeFC,
		StructureLoss: c.StructureLoss,
	}
}

// ModelConfig extracts the network settings.
func (c Config) ModelConfig() models.Config {
	return models.Config{
		Size:              c.Size,
		LatentDim:         c.Latent,
		NMLP:              c.NMLP,
		ChannelMultiplier: c.ChannelMultiplier,
		Seed:              c.Seed,
	}
}

// AdaptiveAugment reports whether the augmentation probability is tuned
// during training.
func (c Config) AdaptiveAugment() bool {
	return c.Augment && c.AugmentP == 0
}

// PathBatch is the batch size used for path-length regularisation.
func (c Config) PathBatch() int {
	shrink := c.PathBatchShrink
	if shrink < 1 {
		shrink = 1
	}
	if b := c.Batch / shrink; b > 1 {
		return b
	}
	return 1
}

func (c Config) Validate() error {
	if c.Arch != "stylegan2" {
		return errors.Errorf("unsupported architecture %q", c.Arch)
	}
	if err := c.ModelConfig().Validate(); err != nil {
		return err
	}
	if c.Iter < 0 || c.StartIter < 0 {
		return errors.Errorf("iteration counts must be non-negative (iter %d, start %d)", c.Iter, c.StartIter)
	}
	if c.Batch <= 0 {
		return errors.Errorf("batch must be positive, got %d", c.Batch)
	}
	if c.NSample <= 0 {
		return errors.Errorf("n_sample must be positive, got %d", c.NSample)
	}
	if c.LR <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LR)
	}
	if c.DRegEvery <= 0 || c.GRegEvery <= 0 {
		return errors.Errorf("regularisation intervals must be positive (d %d, g %d)", c.DRegEvery, c.GRegEvery)
	}
	if c.PathBatchShrink < 1 {
		return errors.Errorf("path_batch_shrink must be at least 1, got %d", c.PathBatchShrink)
	}
	if c.Mixing < 0 || c.Mixing > 1 {
		return errors.Errorf("mixing probability must be in [0, 1], got %g", c.Mixing)
	}
	if c.EMADecay < 0 || c.EMADecay > 1 {
		return errors.Errorf("ema decay must be in [0, 1], got %g", c.EMADecay)
	}
	if c.AugmentP < 0 || c.AugmentP > 1 {
		return errors.Errorf("augment_p must be in [0, 1], got %g", c.AugmentP)
	}
	if c.AdaptiveAugment() && (c.AdaLength <= 0 || c.AdaEvery <= 0) {
		return errors.Errorf("adaptive augmentation needs positive ada_length and ada_every (%d, %d)", c.AdaLength, c.AdaEvery)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return err
	}
	return errors.Wrap(c.FreezeSpec().Validate(c.ModelConfig().LogSize()), "freeze settings")
}

// RegisterFlags binds every option to a flag of fs, using the current
// values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Path, "path", c.Path, "path to the image folder (empty trains on synthetic images)")
	fs.StringVar(&c.Arch, "arch", c.Arch, "model architecture (stylegan2)")
	fs.IntVar(&c.Size, "size", c.Size, "image size for the model")
	fs.IntVar(&c.Latent, "latent", c.Latent, "latent dimension")
	fs.IntVar(&c.NMLP, "n_mlp", c.NMLP, "layers of the mapping network")
	fs.IntVar(&c.ChannelMultiplier, "channel_multiplier", c.ChannelMultiplier, "channel multiplier factor for the model")
	fs.IntVar(&c.SyntheticSize, "synthetic_size", c.SyntheticSize, "number of synthetic images when no path is given")

	fs.IntVar(&c.Iter, "iter", c.Iter, "total training iterations")
	fs.IntVar(&c.Batch, "batch", c.Batch, "batch size for each worker")
	fs.IntVar(&c.NSample, "n_sample", c.NSample, "number of samples generated during training")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")

	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "optimizer (adam | sgd)")
	fs.Float64Var(&c.LR, "lr", c.LR, "learning rate")
	fs.Float64Var(&c.R1, "r1", c.R1, "weight of the r1 regularization")
	fs.Float64Var(&c.PathRegularize, "path_regularize", c.PathRegularize, "weight of the path length regularization")
	fs.IntVar(&c.PathBatchShrink, "path_batch_shrink", c.PathBatchShrink, "batch size reducing factor for the path length regularization")
	fs.Float64Var(&c.PathDecay, "path_decay", c.PathDecay, "decay of the running mean path length")
	fs.IntVar(&c.DRegEvery, "d_reg_every", c.DRegEvery, "interval of the r1 regularization")
	fs.IntVar(&c.GRegEvery, "g_reg_every", c.GRegEvery, "interval of the path length regularization")
	fs.Float64Var(&c.Mixing, "mixing", c.Mixing, "probability of latent code mixing")
	fs.Float64Var(&c.EMADecay, "ema_decay", c.EMADecay, "decay of the EMA generator")

	fs.BoolVar(&c.Augment, "augment", c.Augment, "apply non leaking augmentation")
	fs.Float64Var(&c.AugmentP, "augment_p", c.AugmentP, "probability of applying augmentation; 0 = adaptive")
	fs.Float64Var(&c.AdaTarget, "ada_target", c.AdaTarget, "target of the adaptive augmentation statistic")
	fs.IntVar(&c.AdaLength, "ada_length", c.AdaLength, "images needed to move the adaptive probability from 0 to 1")
	fs.IntVar(&c.AdaEvery, "ada_every", c.AdaEvery, "update interval of the adaptive augmentation")

	fs.IntVar(&c.FreezeD, "freezeD", c.FreezeD, "number of trainable discriminator blocks nearest the output")
	fs.IntVar(&c.FreezeG, "freezeG", c.FreezeG, "number of frozen high-resolution generator blocks")
	fs.IntVar(&c.StructureLoss, "structure_loss", c.StructureLoss, "number of structure loss layers")
	fs.IntVar(&c.FreezeStyle, "freezeStyle", c.FreezeStyle, "style injection index from the source generator")
	fs.BoolVar(&c.FreezeFC, "freezeFC", c.FreezeFC, "use the source generator's mapping network")

	fs.StringVar(&c.Ckpt, "ckpt", c.Ckpt, "checkpoint to resume training from")
	fs.StringVar(&c.OutputDir, "output", c.OutputDir, "directory for samples and checkpoints")
	fs.StringVar(&c.CheckpointFormat, "checkpoint_format", c.CheckpointFormat, "checkpoint format (json | binary)")
	fs.IntVar(&c.ConsoleEvery, "console_every", c.ConsoleEvery, "iterations between console summaries")
	fs.IntVar(&c.SampleEvery, "sample_every", c.SampleEvery, "iterations between sample grids")
	fs.IntVar(&c.CheckpointEvery, "checkpoint_every", c.CheckpointEvery, "iterations between checkpoints")
	fs.BoolVar(&c.Metrics, "metrics", c.Metrics, "emit per-iteration metrics")
	fs.StringVar(&c.MetricsFile, "metrics_file", c.MetricsFile, "JSON lines file receiving metrics")
	fs.StringVar(&c.MetricsURL, "metrics_url", c.MetricsURL, "metrics sidecar base URL")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "show a progress bar")

	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "batches decoded ahead of the training loop")
	fs.IntVar(&c.Workers, "workers", c.Workers, "image decoding workers")
	fs.IntVar(&c.CacheSize, "cache_size", c.CacheSize, "decoded images kept in memory")
	fs.BoolVar(&c.AbortOnNonFinite, "abort_on_non_finite", c.AbortOnNonFinite, "stop when a loss becomes NaN or infinite")
}
