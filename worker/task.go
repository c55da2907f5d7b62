// Package worker runs query executions on a fixed number of slots. Tasks are
// dispatched in FIFO order either to a local goroutine pool (Processor) or
// through Redis with asynq (AsynqDispatcher).
package worker

import (
	"context"
	"time"
)

// Task is one execution handed to a slot.
type Task struct {
	ID        string        `json:"id"`
	Database  string        `json:"db_name"`
	Query     string        `json:"query"`
	Params    any           `json:"params,omitempty"`
	CacheKey  string        `json:"cache_key"`
	TTL       time.Duration `json:"ttl"`
	Cacheable bool          `json:"cacheable"`
}

// Runner executes tasks. Implementations must be safe for concurrent use.
type Runner interface {
	RunTask(ctx context.Context, t Task) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t Task) error

func (f RunnerFunc) RunTask(ctx context.Context, t Task) error { return f(ctx, t) }

// Dispatcher accepts tasks for later execution. Dispatch must not wait for
// the task to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// Backend is a Dispatcher that also owns the slots running the tasks.
type Backend interface {
	Dispatcher
	Start(r Runner) error
	Shutdown(ctx context.Context) error
	Stats() Stats
}

// Stats is a point-in-time view of a Backend.
type Stats struct {
	Backend   string `json:"backend"`
	Capacity  int    `json:"capacity"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}
