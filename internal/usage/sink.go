package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskRecord is the asynq task type carrying a batch of usage records.
const TaskRecord = "usage:record"

// Writer appends usage records to durable storage.
type Writer interface {
	InsertBatch(ctx context.Context, batch []Record) error
}

// RepositorySink writes batches straight to the repository.
type RepositorySink struct {
	writer Writer
}

// NewRepositorySink wraps writer.
func NewRepositorySink(writer Writer) *RepositorySink {
	return &RepositorySink{writer: writer}
}

// Write implements Sink.
func (s *RepositorySink) Write(ctx context.Context, batch []Record) error {
	return s.writer.InsertBatch(ctx, batch)
}

// Enqueuer submits asynq tasks; *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands batches to the worker through asynq.
type QueueSink struct {
	enqueuer Enqueuer
	queue    string
}

// NewQueueSink builds a QueueSink publishing to queue.
func NewQueueSink(enqueuer Enqueuer, queue string) *QueueSink {
	return &QueueSink{enqueuer: enqueuer, queue: queue}
}

// Write implements Sink.
func (s *QueueSink) Write(ctx context.Context, batch []Record) error {
	task, err := NewRecordTask(batch)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(5)}
	if s.queue != "" {
		opts = append(opts, asynq.Queue(s.queue))
	}
	if _, err := s.enqueuer.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("usage: enqueue: %w", err)
	}
	return nil
}

type recordPayload struct {
	Records []Record `json:"records"`
}

// NewRecordTask packs batch into a TaskRecord task.
func NewRecordTask(batch []Record) (*asynq.Task, error) {
	data, err := json.Marshal(recordPayload{Records: batch})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecord, data), nil
}

// DecodeRecordTask unpacks a TaskRecord task.
func DecodeRecordTask(t *asynq.Task) ([]Record, error) {
	var payload recordPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("usage: decode task: %w", err)
	}
	return payload.Records, nil
}
