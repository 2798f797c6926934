package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/akademi/internal/jobs"
	"github.com/odyssey-erp/akademi/internal/usage"
)

// UsageRecordJob writes queued usage batches to PostgreSQL.
type UsageRecordJob struct {
	Writer  usage.Writer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewUsageRecordJob initialises the usage persistence handler.
func NewUsageRecordJob(writer usage.Writer, logger *slog.Logger, metrics *jobmetrics.Metrics) *UsageRecordJob {
	return &UsageRecordJob{Writer: writer, Logger: logger, Metrics: metrics}
}

// Handle stores one batch. Undecodable payloads are not retried.
func (j *UsageRecordJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Writer == nil {
		return errors.New("usage record: handler not configured")
	}
	records, err := usage.DecodeRecordTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskUsageRecord)
	if err := j.Writer.InsertBatch(ctx, records); err != nil {
		if j.Logger != nil {
			j.Logger.Warn("usage batch insert", slog.Int("records", len(records)), slog.Any("error", err))
		}
		return tracker.End(err)
	}
	return tracker.End(nil)
}
