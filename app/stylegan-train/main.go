// Command stylegan-train fine-tunes a StyleGAN2 generator on an image folder,
// optionally starting from a pre-trained checkpoint with frozen layers.
//
// Multi-worker runs read WORLD_SIZE, RANK, LOCAL_RANK, MASTER_ADDR and
// MASTER_PORT from the environment.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-stylegan/async"
	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/distributed"
	"github.com/tsawler/go-stylegan/ema"
	"github.com/tsawler/go-stylegan/models"
	"github.com/tsawler/go-stylegan/optimizer"
	"github.com/tsawler/go-stylegan/tensor"
	"github.com/tsawler/go-stylegan/training"
	"github.com/tsawler/go-stylegan/vision/dataloader"
	"github.com/tsawler/go-stylegan/vision/dataset"
)

func main() {
	cfg := training.DefaultConfig()
	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		cfg.Workers = cores
	}
	cfg.RegisterFlags(flag.CommandLine)
	logLevel := flag.String("log_level", "info", "log level (debug | info | warn | error)")
	logJSON := flag.Bool("log_json", false, "log as JSON")
	flag.Parse()

	logger := logrus.StandardLogger()
	if *logJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logrus.NewEntry(logger)); err != nil {
		logrus.WithError(err).Fatal("Training failed")
	}
}

func run(ctx context.Context, cfg training.Config, log *logrus.Entry) error {
	log.WithFields(logrus.Fields{
		"cpu":      cpuid.CPU.BrandName,
		"physical": cpuid.CPU.PhysicalCores,
		"logical":  cpuid.CPU.LogicalCores,
		"workers":  cfg.Workers,
	}).Info("Host")

	// The process group is set up before any model is built.
	env, err := distributed.EnvFromOS()
	if err != nil {
		return err
	}
	group, err := distributed.Init(ctx, env, log)
	if err != nil {
		return err
	}
	defer group.Close()
	log = log.WithField("rank", env.Rank)

	var ckpt *checkpoints.Checkpoint
	if cfg.Ckpt != "" {
		log.WithField("path", cfg.Ckpt).Info("Loading checkpoint")
		if ckpt, err = checkpoints.Load(cfg.Ckpt); err != nil {
			return err
		}
		start, err := checkpoints.ParseResumeIteration(cfg.Ckpt)
		if err != nil {
			log.WithError(err).Warn("Cannot derive the start iteration, starting at 0")
			start = 0
		}
		cfg.StartIter = start
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mc := cfg.ModelConfig()
	g, err := models.NewGenerator("generator", mc)
	if err != nil {
		return err
	}
	gSource, err := models.NewGenerator("generator_source", mc)
	if err != nil {
		return err
	}
	d, err := models.NewDiscriminator("discriminator", mc)
	if err != nil {
		return err
	}
	gEMA, err := models.NewGenerator("g_ema", mc)
	if err != nil {
		return err
	}
	if err := ema.Copy(gEMA, g); err != nil {
		return err
	}

	gOptim, err := optimizer.New(cfg.Optimizer, g, cfg.LR, cfg.GRegEvery)
	if err != nil {
		return err
	}
	dOptim, err := optimizer.New(cfg.Optimizer, d, cfg.LR, cfg.DRegEvery)
	if err != nil {
		return err
	}

	if ckpt != nil {
		rep := checkpoints.LoadWeights(gSource, ckpt.GeneratorEMA)
		log.WithFields(logrus.Fields{"loaded": rep.Loaded, "missing": len(rep.Missing)}).Info("Source generator initialised from g_ema")
	}

	batches, err := newBatchSource(ctx, cfg, env, log)
	if err != nil {
		return err
	}
	defer batches.Stop()

	trainer, err := training.NewTrainer(cfg, training.Components{
		Generator:          g,
		GeneratorSource:    gSource,
		Discriminator:      d,
		GeneratorEMA:       gEMA,
		GeneratorOptim:     gOptim,
		DiscriminatorOptim: dOptim,
		Batches:            batches,
		Group:              group,
		Logger:             log,
	})
	if err != nil {
		return err
	}
	if ckpt != nil {
		if err := trainer.Restore(ckpt, cfg.StartIter); err != nil {
			return err
		}
	}

	if distributed.IsMain(group) {
		if err := addObservers(ctx, trainer, cfg, gEMA, log); err != nil {
			return err
		}
	}

	err = trainer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Interrupted")
		return nil
	}
	return err
}

// newBatchSource builds dataset -> loader -> infinite sequence -> prefetcher.
func newBatchSource(ctx context.Context, cfg training.Config, env distributed.Env, log *logrus.Entry) (*async.Prefetcher, error) {
	var ds dataset.Dataset
	if cfg.Path != "" {
		folder, err := dataset.NewImageFolderDataset(cfg.Path, cfg.Size, dataset.DefaultExtensions)
		if err != nil {
			return nil, err
		}
		ds = folder
	} else {
		n := cfg.SyntheticSize
		if n <= 0 {
			n = cfg.Batch * env.WorldSize * 8
		}
		synthetic, err := dataset.NewSyntheticDataset(n, cfg.Size, cfg.Seed)
		if err != nil {
			return nil, err
		}
		log.WithField("images", n).Warn("No dataset path given, training on synthetic images")
		ds = synthetic
	}

	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:    cfg.Batch,
		Shuffle:      true,
		Flip:         true,
		MaxCacheSize: cfg.CacheSize,
		NumWorkers:   cfg.Workers,
		Seed:         cfg.Seed,
		Rank:         env.Rank,
		WorldSize:    env.WorldSize,
	})
	if err != nil {
		return nil, err
	}
	infinite, err := dataloader.NewInfinite(loader)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"images": ds.Len(), "batches_per_epoch": loader.BatchesPerEpoch()}).Info("Dataset ready")

	prefetcher, err := async.NewPrefetcher(infinite, async.PrefetcherConfig{Depth: cfg.Prefetch})
	if err != nil {
		return nil, err
	}
	if err := prefetcher.Start(ctx); err != nil {
		return nil, err
	}
	return prefetcher, nil
}

func addObservers(ctx context.Context, trainer *training.Trainer, cfg training.Config, gEMA *models.MLPGenerator, log *logrus.Entry) error {
	trainer.AddObserver(training.NewConsoleReporter(cfg.ConsoleEvery, os.Stdout))

	// Every sample grid renders the same noise.
	sampleZ := tensor.RandN(rand.New(rand.NewSource(cfg.Seed)), cfg.NSample, cfg.Latent)
	trainer.AddObserver(training.NewSampleWriter(gEMA, sampleZ, filepath.Join(cfg.OutputDir, "gen-progress"), cfg.SampleEvery, log))

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}
	trainer.AddObserver(training.NewCheckpointWriter(trainer, checkpoints.NewCheckpointSaver(format),
		filepath.Join(cfg.OutputDir, "checkpoints"), cfg.CheckpointEvery, log))

	if cfg.Metrics {
		var sinks []training.MetricsSink
		if cfg.MetricsFile != "" {
			file, err := training.NewJSONLinesSink(cfg.MetricsFile)
			if err != nil {
				return err
			}
			sinks = append(sinks, file)
		}
		if cfg.MetricsURL != "" {
			sc := training.DefaultMetricsServiceConfig()
			sc.BaseURL = cfg.MetricsURL
			service := training.NewMetricsService(sc)
			if err := service.CheckHealth(ctx); err != nil {
				log.WithError(err).Warn("Metrics service not reachable, records will be retried")
			}
			sinks = append(sinks, service)
		}
		if len(sinks) == 0 {
			log.Warn("Metrics enabled without metrics_file or metrics_url")
		}
		trainer.AddObserver(training.NewMetricsReporter(trainer.RunID(), sinks...))
	}

	if cfg.Progress {
		bar := training.NewProgressBar("Training", cfg.StartIter, cfg.StartIter+cfg.Iter+1, os.Stderr)
		trainer.AddObserver(training.NewProgressObserver(bar))
	}
	return nil
}
