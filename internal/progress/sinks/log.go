package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/progress"
)

// LogSink writes each event as a structured log line.
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

// Consume logs every event. Terminal events log at info, the rest at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("box_id", evt.BoxID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageFetchFailed:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageUploadItem:
			fields = append(fields, zap.String("path", evt.Path), zap.String("outcome", string(evt.Outcome)))
		case progress.StageSessionDone, progress.StageUploadDone:
			fields = append(fields, zap.String("status", string(evt.Status)), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageSessionDone || evt.Stage == progress.StageUploadDone {
			s.logger.Info("progress event", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
