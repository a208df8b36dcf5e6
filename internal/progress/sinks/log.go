package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/plantedlabs/venuescout/internal/progress"
)

// LogSink emits structured logs for debugging run event streams. It is useful
// during development or audits where no live subscriber is attached.
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
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("platform", evt.Platform),
			zap.String("query", evt.Query),
			zap.String("url", evt.URL),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Float64("confidence", evt.Confidence),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
