// Package tasks submits long ingestion jobs to a durable queue and
// tracks their status in Redis. When the queue is unreachable the job
// runs synchronously in-process, flagged sync=true, so ingestion keeps
// working through a broker outage.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"lorebase/internal/config"
)

// Job kinds executed by the worker.
const (
	KindAddFiles    = "kb.add_files"
	KindReindexFile = "kb.reindex_file"
	KindReindexAll  = "kb.reindex_all"
)

// States reported by Status.
const (
	StatePending = "PENDING"
	StateStarted = "STARTED"
	StateSuccess = "SUCCESS"
	StateFailure = "FAILURE"
	StateRetry   = "RETRY"
)

// Job is one queued unit of work.
type Job struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	KBID    int64   `json:"kb_id"`
	FileID  int64   `json:"file_id,omitempty"`
	FileIDs []int64 `json:"file_ids,omitempty"`
	UserID  int64   `json:"user_id"`
}

// SubmitResult reports where a submission ended up. TaskID is nil when
// the queue was unavailable and the job ran synchronously.
type SubmitResult struct {
	TaskID *string `json:"task_id"`
	Sync   bool    `json:"sync"`
	Result any     `json:"result,omitempty"`
}

// TaskStatus is the polling view of a queued job.
type TaskStatus struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Executor runs a job's actual work; implemented on top of the ingestion
// pipeline.
type Executor interface {
	Execute(ctx context.Context, job Job) (any, error)
}

// queueWriter is the narrow kafka.Writer surface, swappable in tests.
type queueWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Runner submits jobs and answers status polls.
type Runner struct {
	writer   queueWriter
	redis    redis.UniversalClient
	executor Executor
	timeout  time.Duration
}

// NewRunner builds a Runner with a real Kafka writer.
func NewRunner(cfg config.QueueConfig, rdb redis.UniversalClient, exec Executor) *Runner {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Runner{writer: writer, redis: rdb, executor: exec, timeout: cfg.SubmitTimeout}
}

// newRunnerWithWriter is the test seam.
func newRunnerWithWriter(w queueWriter, rdb redis.UniversalClient, exec Executor, timeout time.Duration) *Runner {
	return &Runner{writer: w, redis: rdb, executor: exec, timeout: timeout}
}

func statusKey(taskID string) string {
	return "task:" + taskID
}

// statusTTL keeps finished task results around long enough for polling.
const statusTTL = 24 * time.Hour

func (r *Runner) writeStatus(ctx context.Context, st TaskStatus) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, statusKey(st.TaskID), data, statusTTL).Err(); err != nil {
		log.Debug().Err(err).Str("task", st.TaskID).Msg("task status write failed")
	}
}

// Submit enqueues a job, bounded by the configured submit timeout. On
// queue failure the job executes in-process and the result is returned
// inline with sync=true.
func (r *Runner) Submit(ctx context.Context, job Job) (SubmitResult, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal job: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err = r.writer.WriteMessages(submitCtx, kafka.Message{
		Key:   []byte(job.Kind),
		Value: payload,
	})
	if err == nil {
		taskID := job.ID
		r.writeStatus(ctx, TaskStatus{TaskID: taskID, Status: StatePending})
		return SubmitResult{TaskID: &taskID, Sync: false}, nil
	}

	log.Warn().Err(err).Str("kind", job.Kind).Msg("queue unavailable, executing synchronously")
	result, execErr := r.executor.Execute(ctx, job)
	if execErr != nil {
		return SubmitResult{Sync: true}, execErr
	}
	return SubmitResult{Sync: true, Result: result}, nil
}

// Status answers a poll. Unknown ids report PENDING, matching the queue
// semantics where a not-yet-started job has no record.
func (r *Runner) Status(ctx context.Context, taskID string) TaskStatus {
	st := TaskStatus{TaskID: taskID, Status: StatePending}
	if r.redis == nil {
		return st
	}
	raw, err := r.redis.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		return st
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return TaskStatus{TaskID: taskID, Status: StatePending}
	}
	return st
}
