package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/progress"
)

// LogSink emits structured logs for terminal progress events, plus every
// event at debug level.
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
			zap.Stringer("run_id", evt.RunUUID()),
			zap.Int("handle", int(evt.Handle)),
			zap.String("state", string(evt.State)),
			zap.String("name", evt.Name),
			zap.Int64("completed", evt.Completed),
			zap.Int64("total", evt.Total),
		}
		switch evt.State {
		case progress.StateFailed:
			s.logger.Warn("download failed", fields...)
		case progress.StateDone, progress.StateSkipped, progress.StateCancelled:
			s.logger.Info("download finished", fields...)
		default:
			s.logger.Debug("download progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
