// Package sinks provides the built-in progress.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/progress"
)

// LogSink emits structured logs for the progress stream. Useful during
// development or audits where metrics scraping is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", evt.Phase),
			zap.Duration("dur", evt.Dur),
		}
		if evt.RecordID > 0 {
			fields = append(fields, zap.Int64("record_id", evt.RecordID))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", string(evt.Outcome)))
		}
		if evt.Watermark > 0 {
			fields = append(fields, zap.Int64("watermark", evt.Watermark))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
