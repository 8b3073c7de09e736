package monitoring

import (
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/core/repository"
	"github.com/StoneLin0708/language-model-playground/training"
)

// SQLSink stores metrics of one run in the metric tables
type SQLSink struct {
	metricRepo *repository.MetricRepository
	runID      string
}

// NewSQLSink creates a sink writing under runID
func NewSQLSink(metricRepo *repository.MetricRepository, runID string) *SQLSink {
	return &SQLSink{metricRepo: metricRepo, runID: runID}
}

// RecordScalars stores one row per finite series. NaN and Inf are left to
// the log sink since the SQL drivers store them inconsistently.
func (s *SQLSink) RecordScalars(tag string, values map[string]float64, step int) error {
	finite := make(map[string]float64, len(values))
	for series, v := range values {
		if isFinite(v) {
			finite[series] = v
		}
	}
	if len(finite) == 0 {
		return nil
	}
	return s.metricRepo.InsertScalars(s.runID, tag, finite, step)
}

// RecordText stores a text block
func (s *SQLSink) RecordText(tag, text string, step int) error {
	return s.metricRepo.InsertText(s.runID, tag, text, step)
}

// LogSink writes metrics to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// RecordScalars logs every series of tag in name order
func (s *LogSink) RecordScalars(tag string, values map[string]float64, step int) error {
	series := make([]string, 0, len(values))
	for name := range values {
		series = append(series, name)
	}
	sort.Strings(series)

	attrs := []any{"tag", tag, "step", step}
	for _, name := range series {
		attrs = append(attrs, name, values[name])
	}
	s.logger.Info("metrics", attrs...)
	return nil
}

// RecordText logs the text block at debug level
func (s *LogSink) RecordText(tag, text string, step int) error {
	s.logger.Debug("text", "tag", tag, "step", step, "body", text)
	return nil
}

// MultiSink fans every record out to all sinks. One failing sink does not
// stop the others; their errors are joined.
type MultiSink []training.MetricsSink

// RecordScalars records on every sink
func (m MultiSink) RecordScalars(tag string, values map[string]float64, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordScalars(tag, values, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordText records on every sink
func (m MultiSink) RecordText(tag, text string, step int) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordText(tag, text, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordProgress forwards to the sinks that track progress
func (m MultiSink) RecordProgress(p models.Progress) error {
	var errs []error
	for _, s := range m {
		rec, ok := s.(training.ProgressRecorder)
		if !ok {
			continue
		}
		if err := rec.RecordProgress(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
