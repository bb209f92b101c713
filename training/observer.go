package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-stylegan/checkpoints"
	"github.com/tsawler/go-stylegan/nn"
	"github.com/tsawler/go-stylegan/tensor"
	"github.com/tsawler/go-stylegan/vision/preprocessing"
)

// Observer is notified after every iteration on the reporting worker.
// Errors are logged by the trainer and never stop training.
type Observer interface {
	OnIteration(ctx context.Context, snap *Snapshot) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, snap *Snapshot) error

func (f ObserverFunc) OnIteration(ctx context.Context, snap *Snapshot) error {
	return f(ctx, snap)
}

// ConsoleReporter prints a loss summary every Every iterations.
type ConsoleReporter struct {
	Every int
	Out   io.Writer
}

func NewConsoleReporter(every int, out io.Writer) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleReporter{Every: every, Out: out}
}

func (r *ConsoleReporter) OnIteration(_ context.Context, snap *Snapshot) error {
	if r.Every <= 0 || snap.Iteration%r.Every != 0 {
		return nil
	}
	_, err := fmt.Fprintf(r.Out, "\nd: %.4f, g: %.4f, r1: %.4f, path: %.4f, mean path: %.4f\n",
		snap.Loss(LossD), snap.Loss(LossG), snap.Loss(LossR1), snap.Loss(LossPath), snap.MeanPathLengthAvg)
	return err
}

// SampleWriter renders the EMA generator on a fixed noise batch and saves
// the grid as img-NNNNNN.png after every Every-th iteration.
type SampleWriter struct {
	Generator nn.Generator
	Noise     *tensor.Tensor // [n_sample, latent], reused for every grid
	Dir       string
	Every     int
	Log       *logrus.Entry
}

func NewSampleWriter(g nn.Generator, z *tensor.Tensor, dir string, every int, log *logrus.Entry) *SampleWriter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SampleWriter{Generator: g, Noise: z, Dir: dir, Every: every, Log: log}
}

// SamplePath returns the grid file name for iteration i.
func SamplePath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("img-%06d.png", i))
}

func (w *SampleWriter) OnIteration(_ context.Context, snap *Snapshot) error {
	if w.Every <= 0 || (snap.Iteration+1)%w.Every != 0 {
		return nil
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create sample directory")
	}
	img, _, err := w.Generator.Generate([]*tensor.Tensor{w.Noise}, nn.GenerateOptions{})
	if err != nil {
		return errors.Wrap(err, "generate samples")
	}

	path := SamplePath(w.Dir, snap.Iteration)
	saveErr := preprocessing.SaveGrid(path, img, preprocessing.GridRows(img.Shape[0]), 2)
	if _, err := os.Stat(path); err != nil {
		w.Log.WithField("path", path).Warn("Image was not saved successfully")
		if saveErr != nil {
			return saveErr
		}
		return errors.Wrap(err, "sample grid missing after save")
	}
	w.Log.WithField("path", path).Info("Image saved successfully")
	return saveErr
}

// CheckpointSource builds checkpoints on demand.
type CheckpointSource interface {
	Checkpoint() (*checkpoints.Checkpoint, error)
}

// CheckpointWriter persists a checkpoint after every Every-th iteration.
type CheckpointWriter struct {
	Source CheckpointSource
	Saver  *checkpoints.CheckpointSaver
	Dir    string
	Every  int
	Log    *logrus.Entry
}

func NewCheckpointWriter(src CheckpointSource, saver *checkpoints.CheckpointSaver, dir string, every int, log *logrus.Entry) *CheckpointWriter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CheckpointWriter{Source: src, Saver: saver, Dir: dir, Every: every, Log: log}
}

func (w *CheckpointWriter) OnIteration(_ context.Context, snap *Snapshot) error {
	if w.Every <= 0 || (snap.Iteration+1)%w.Every != 0 {
		return nil
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	ckpt, err := w.Source.Checkpoint()
	if err != nil {
		return errors.Wrap(err, "build checkpoint")
	}

	path := checkpoints.Filename(w.Dir, snap.Iteration, w.Saver.Format())
	saveErr := w.Saver.SaveCheckpoint(ckpt, path)
	if _, err := os.Stat(path); err != nil {
		w.Log.WithField("path", path).Warn("Checkpoint was not saved successfully")
		if saveErr != nil {
			return saveErr
		}
		return errors.Wrap(err, "checkpoint missing after save")
	}
	w.Log.WithField("path", path).Info("Checkpoint saved successfully")
	return saveErr
}
