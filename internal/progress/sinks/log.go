package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
)

// LogSink writes one structured log entry per event. Repository completions
// are logged at debug level; run and project milestones at info.
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
		}
		if evt.ProjectKey != "" {
			fields = append(fields, zap.String("project", evt.ProjectKey))
		}
		if evt.RepoSlug != "" {
			fields = append(fields, zap.String("repo", evt.RepoSlug))
		}
		if evt.Rows > 0 {
			fields = append(fields, zap.Int64("rows", evt.Rows))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch {
		case evt.Stage == progress.StageRepoUnknown || evt.Stage == progress.StageRepoFailed:
			s.logger.Warn("progress event", fields...)
		case evt.Stage.IsRepoOutcome() || evt.Stage == progress.StageRepoSkipped:
			s.logger.Debug("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
