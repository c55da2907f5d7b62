package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/sqlgate/domain"
)

// TaskTypeExecute is the asynq task type carrying a Task.
const TaskTypeExecute = "sqlgate:execute"

// AsynqConfig configures an AsynqDispatcher.
type AsynqConfig struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	Concurrency int
	Logger      *slog.Logger
}

// AsynqDispatcher enqueues tasks to Redis and processes them with an asynq
// server. Tasks are never retried: a failed query is reported on its jobs.
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	queue     string
	capacity  int
	log       *slog.Logger
}

// NewAsynqDispatcher creates the client, server and inspector for cfg.Redis.
func NewAsynqDispatcher(cfg AsynqConfig) (*AsynqDispatcher, error) {
	con := cfg.Concurrency
	if con < 0 {
		return nil, domain.InvalidInput("worker concurrency must not be negative, got %d", con)
	}
	if con == 0 {
		con = DefaultConcurrency
	}
	q := cfg.Queue
	if q == "" {
		q = "default"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: con,
		Queues:      map[string]int{q: 1},
		Logger:      asynqLogger{log.With("component", "asynq")},
		LogLevel:    asynq.WarnLevel,
	})
	return &AsynqDispatcher{
		client:    asynq.NewClient(cfg.Redis),
		server:    server,
		inspector: asynq.NewInspector(cfg.Redis),
		queue:     q,
		capacity:  con,
		log:       log,
	}, nil
}

// Dispatch enqueues t with its execution id as the asynq task id.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return domain.InvalidInput("encode task: %v", err)
	}
	task := asynq.NewTask(TaskTypeExecute, payload)
	info, err := d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue), asynq.TaskID(t.ID), asynq.MaxRetry(0))
	if err != nil {
		return domain.Unavailable("enqueue task: %v", err)
	}
	d.log.Debug("task enqueued", "task_id", info.ID, "queue", info.Queue)
	return nil
}

// lifecycleMiddleware logs start and finish of every task.
func (d *AsynqDispatcher) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		start := time.Now()
		d.log.Debug("task started", "task_id", id, "type", t.Type())
		err := next.ProcessTask(ctx, t)
		if err != nil {
			d.log.Debug("task failed", "task_id", id, "error", err, "elapsed", time.Since(start))
		} else {
			d.log.Debug("task done", "task_id", id, "elapsed", time.Since(start))
		}
		return err
	})
}

// Start runs the asynq server in the background, handing tasks to r.
func (d *AsynqDispatcher) Start(r Runner) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeExecute, func(ctx context.Context, at *asynq.Task) error {
		var t Task
		dec := json.NewDecoder(bytes.NewReader(at.Payload()))
		dec.UseNumber()
		if err := dec.Decode(&t); err != nil {
			return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
		}
		return r.RunTask(ctx, t)
	})
	return d.server.Start(d.lifecycleMiddleware(mux))
}

// Shutdown stops the server, waiting for active tasks, and closes the
// Redis connections.
func (d *AsynqDispatcher) Shutdown(context.Context) error {
	d.server.Shutdown()
	_ = d.inspector.Close()
	return d.client.Close()
}

// Stats reports the queue as seen by Redis.
func (d *AsynqDispatcher) Stats() Stats {
	s := Stats{Backend: "asynq", Capacity: d.capacity}
	info, err := d.inspector.GetQueueInfo(d.queue)
	if err != nil {
		return s
	}
	s.Queued = info.Pending
	s.Running = info.Active
	s.Processed = uint64(info.ProcessedTotal)
	s.Failed = uint64(info.FailedTotal)
	return s
}

// asynqLogger routes asynq's logs to slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
