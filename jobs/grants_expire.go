package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/akademi/internal/jobs"
)

// Expirer revokes due grants and reports how many users were affected.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// GrantsExpireJob flips expired approved grants to revoked.
type GrantsExpireJob struct {
	Expirer Expirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewGrantsExpireJob initialises the expiry handler.
func NewGrantsExpireJob(expirer Expirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantsExpireJob {
	return &GrantsExpireJob{Expirer: expirer, Logger: logger, Metrics: metrics}
}

// Handle executes the expiry sweep.
func (j *GrantsExpireJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Expirer == nil {
		return errors.New("grants expire: handler not configured")
	}
	var payload GrantsExpirePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskGrantsExpire)
	users, err := j.Expirer.ExpireDue(ctx)
	if err != nil {
		j.logger().Error("grant expiry sweep failed", slog.String("trigger", payload.Trigger), slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddExpiredUsers(users)
	if users > 0 {
		j.logger().Info("grant expiry sweep", slog.String("trigger", payload.Trigger), slog.Int("users", users))
	}
	return tracker.End(nil)
}

func (j *GrantsExpireJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
