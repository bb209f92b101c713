package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ProgressBar provides tqdm-style training progress visualization
type ProgressBar struct {
	description string
	out         io.Writer
	initial     int
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar over [initial, total) writing to out
// (stderr when nil).
func NewProgressBar(description string, initial, total int, out io.Writer) *ProgressBar {
	if out == nil {
		out = os.Stderr
	}
	return &ProgressBar{
		description: description,
		out:         out,
		initial:     initial,
		total:       total,
		current:     initial,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line(time.Since(pb.startTime)))
}

// line formats the bar for the given elapsed time.
func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	if percentage < 0 {
		percentage = 0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	// Rate and ETA only count iterations done by this run.
	var eta time.Duration
	var rate float64
	if done := pb.current - pb.initial; done > 0 && elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
		if remaining := pb.total - pb.current; remaining > 0 {
			eta = time.Duration(float64(remaining) / rate * float64(time.Second))
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := maps.Keys(pb.metrics)
	slices.Sort(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s=%.3f", key, pb.metrics[key])
	}

	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ProgressObserver drives a ProgressBar from training snapshots.
type ProgressObserver struct {
	bar  *ProgressBar
	keys []string
}

// NewProgressObserver shows the given loss keys (d and g when none are given).
func NewProgressObserver(bar *ProgressBar, keys ...string) *ProgressObserver {
	if len(keys) == 0 {
		keys = []string{LossD, LossG}
	}
	return &ProgressObserver{bar: bar, keys: keys}
}

func (p *ProgressObserver) OnIteration(_ context.Context, snap *Snapshot) error {
	metrics := make(map[string]float64, len(p.keys)+1)
	for _, k := range p.keys {
		metrics[k] = snap.Loss(k)
	}
	metrics["augment"] = snap.AdaAugP
	p.bar.Update(snap.Iteration+1, metrics)
	return nil
}

// Close finishes the bar.
func (p *ProgressObserver) Close() error {
	p.bar.Finish()
	return nil
}
