package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/akademi/internal/usage"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantsExpire revokes approved grants past their expiry.
	TaskGrantsExpire = "grants:expire"
	// TaskUsageRecord persists a batch of usage records.
	TaskUsageRecord = usage.TaskRecord
	// GrantsExpireCron runs the expiry sweep every five minutes.
	GrantsExpireCron = "*/5 * * * *"
)

// GrantsExpirePayload describes an expiry sweep.
type GrantsExpirePayload struct {
	Trigger string `json:"trigger"`
}

// NewGrantsExpireTask constructs an Asynq task for the expiry sweep.
func NewGrantsExpireTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "cron"
	}
	data, err := json.Marshal(GrantsExpirePayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantsExpire, data), nil
}
