// Package log reports job results through the structured logger. It is
// used when no results backend is configured.
package log

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/job"
)

var _ core.Reporter = (*Reporter)(nil)

// Reporter logs every record
type Reporter struct {
	logger *slog.Logger
}

// NewReporter creates a log reporter. A nil logger uses slog.Default().
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger.With("reporter", "log")}
}

// Publish logs the record. Failed final records are logged at error level.
func (r *Reporter) Publish(ctx context.Context, record job.Record) error {
	level := slog.LevelInfo
	switch {
	case record.Status != "success" && record.Final:
		level = slog.LevelError
	case record.Status != "success":
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("job_id", record.JobID),
		slog.String("queue", record.Queue),
		slog.Int("attempt", record.Attempt),
		slog.String("status", record.Status),
		slog.Bool("final", record.Final),
		slog.String("worker_id", record.WorkerID),
		slog.Int64("duration_ms", record.DurationMS),
	}
	if record.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", record.ErrorKind))
	}
	if record.Message != "" {
		attrs = append(attrs, slog.String("message", record.Message))
	}
	if record.Result != nil {
		attrs = append(attrs, slog.Any("result", record.Result))
	}

	r.logger.LogAttrs(ctx, level, "Job result", attrs...)
	return nil
}

// Close is a no-op
func (r *Reporter) Close() error {
	return nil
}
