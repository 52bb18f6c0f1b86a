package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
)

// LogSink emits one structured log line per applied progress update.
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

// Consume logs each event in the batch. Terminal failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Released {
			s.logger.Debug("job session released",
				zap.String("session_id", evt.SessionID), zap.String("status", string(evt.Status)))
			continue
		}
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("kind", evt.Kind),
			zap.String("status", string(evt.Status)),
			zap.Int64("processed", evt.Processed),
			zap.Int64("total", evt.Total),
			zap.Float64("percent", evt.Percent),
			zap.String("message", evt.Message),
			zap.Time("ts", evt.TS),
		}
		if evt.Status == progress.StatusFailed {
			s.logger.Warn("job progress", fields...)
			continue
		}
		s.logger.Info("job progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
