package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"lorebase/internal/config"
)

// Worker consumes queued jobs and executes them with bounded
// concurrency. Each job gets its own status lifecycle in Redis.
type Worker struct {
	reader   *kafka.Reader
	redis    redis.UniversalClient
	executor Executor
	pool     *ants.Pool
}

// NewWorker builds a consumer for the task topic. concurrency bounds how
// many jobs run at once.
func NewWorker(cfg config.QueueConfig, rdb redis.UniversalClient, exec Executor, concurrency int) (*Worker, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
	})
	return &Worker{reader: reader, redis: rdb, executor: exec, pool: pool}, nil
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("task read failed, retrying")
			continue
		}
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			log.Error().Err(err).Msg("undecodable task payload dropped")
			continue
		}
		if err := w.pool.Submit(func() { w.run(ctx, job) }); err != nil {
			// Pool saturated or closed: run inline rather than drop.
			w.run(ctx, job)
		}
	}
}

func (w *Worker) run(ctx context.Context, job Job) {
	w.setStatus(ctx, TaskStatus{TaskID: job.ID, Status: StateStarted})
	result, err := w.executor.Execute(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("task", job.ID).Str("kind", job.Kind).Msg("task failed")
		w.setStatus(ctx, TaskStatus{
			TaskID:    job.ID,
			Status:    StateFailure,
			Error:     err.Error(),
			Traceback: err.Error(),
		})
		return
	}
	w.setStatus(ctx, TaskStatus{TaskID: job.ID, Status: StateSuccess, Result: result})
}

func (w *Worker) setStatus(ctx context.Context, st TaskStatus) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := w.redis.Set(ctx, statusKey(st.TaskID), data, statusTTL).Err(); err != nil {
		log.Debug().Err(err).Str("task", st.TaskID).Msg("task status write failed")
	}
}

// Close releases the reader and pool.
func (w *Worker) Close() error {
	w.pool.Release()
	return w.reader.Close()
}
