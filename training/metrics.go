package training

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Dashboard names of the reported series.
const (
	MetricGenerator      = "Generator"
	MetricDiscriminator  = "Discriminator"
	MetricAugment        = "Augment"
	MetricRt             = "Rt"
	MetricR1             = "R1"
	MetricPathRegularize = "Path Length Regularization"
	MetricMeanPathLength = "Mean Path Length"
	MetricRealScore      = "Real Score"
	MetricFakeScore      = "Fake Score"
	MetricPathLength     = "Path Length"
)

// MetricsRecord is one iteration's worth of metrics.
type MetricsRecord struct {
	RunID     string             `json:"run_id"`
	Iteration int                `json:"iteration"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// NewMetricsRecord maps a snapshot onto the dashboard series.
func NewMetricsRecord(runID string, snap *Snapshot) MetricsRecord {
	return MetricsRecord{
		RunID:     runID,
		Iteration: snap.Iteration,
		Timestamp: time.Now(),
		Values: map[string]float64{
			MetricGenerator:      snap.Loss(LossG),
			MetricDiscriminator:  snap.Loss(LossD),
			MetricAugment:        snap.AdaAugP,
			MetricRt:             snap.RtStat,
			MetricR1:             snap.Loss(LossR1),
			MetricPathRegularize: snap.Loss(LossPath),
			MetricMeanPathLength: snap.MeanPathLength,
			MetricRealScore:      snap.Loss(LossRealScore),
			MetricFakeScore:      snap.Loss(LossFakeScore),
			MetricPathLength:     snap.Loss(LossPathLength),
		},
	}
}

// MetricsSink receives metrics records.
type MetricsSink interface {
	Emit(ctx context.Context, record MetricsRecord) error
	Close() error
}

// JSONLinesSink appends one JSON object per record to a file.
type JSONLinesSink struct {
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

func NewJSONLinesSink(path string) (*JSONLinesSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open metrics file")
	}
	w := bufio.NewWriter(f)
	return &JSONLinesSink{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *JSONLinesSink) Emit(_ context.Context, record MetricsRecord) error {
	if err := s.enc.Encode(record); err != nil {
		return errors.Wrap(err, "write metrics record")
	}
	return errors.Wrap(s.w.Flush(), "flush metrics file")
}

func (s *JSONLinesSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// MetricsReporter forwards every iteration to its sinks. A failing sink does
// not keep the others from receiving the record.
type MetricsReporter struct {
	RunID string
	Sinks []MetricsSink
}

func NewMetricsReporter(runID string, sinks ...MetricsSink) *MetricsReporter {
	return &MetricsReporter{RunID: runID, Sinks: sinks}
}

func (r *MetricsReporter) OnIteration(ctx context.Context, snap *Snapshot) error {
	record := NewMetricsRecord(r.RunID, snap)
	var first error
	for _, s := range r.Sinks {
		if err := s.Emit(ctx, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *MetricsReporter) Close() error {
	var first error
	for _, s := range r.Sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
