package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"

	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/registry"
)

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	return s
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAsynqDispatcher_Integration_SuccessAndFailure(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()

	d, err := NewAsynqDispatcher(AsynqConfig{
		Redis:       asynq.RedisClientOpt{Addr: s.Addr()},
		Queue:       "default",
		Concurrency: 5,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewAsynqDispatcher: %v", err)
	}

	var mu sync.Mutex
	got := map[string]Task{}
	runner := RunnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		got[task.ID] = task
		mu.Unlock()
		if task.Query == "SELEKT" {
			return errors.New("boom")
		}
		return nil
	})
	if err := d.Start(runner); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown(context.Background())

	ctx := context.Background()
	ok := Task{ID: "exec-ok", Database: "default", Query: "SELECT 1", CacheKey: "k1", TTL: time.Minute, Cacheable: true,
		Params: map[string]any{"n": 1}}
	if err := d.Dispatch(ctx, ok); err != nil {
		t.Fatalf("dispatch ok: %v", err)
	}
	if err := d.Dispatch(ctx, Task{ID: "exec-fail", Database: "default", Query: "SELEKT"}); err != nil {
		t.Fatalf("dispatch fail: %v", err)
	}

	if err := pollUntil(t, 5*time.Second, func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2, nil
	}); err != nil {
		t.Fatalf("tasks did not run: %v", err)
	}

	mu.Lock()
	rt := got["exec-ok"]
	mu.Unlock()
	if rt.Query != ok.Query || rt.TTL != ok.TTL || !rt.Cacheable || rt.CacheKey != ok.CacheKey {
		t.Fatalf("task did not survive the round trip: %#v", rt)
	}
	params, _ := rt.Params.(map[string]any)
	if params["n"] != json.Number("1") {
		t.Fatalf("unexpected params: %#v", rt.Params)
	}

	if err := pollUntil(t, 5*time.Second, func() (bool, error) {
		st := d.Stats()
		return st.Processed >= 2 && st.Failed >= 1, nil
	}); err != nil {
		t.Fatalf("stats never caught up: %#v", d.Stats())
	}
}

func TestAsynqDispatcher_DuplicateTaskID(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()

	d, err := NewAsynqDispatcher(AsynqConfig{Redis: asynq.RedisClientOpt{Addr: s.Addr()}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewAsynqDispatcher: %v", err)
	}
	defer d.Shutdown(context.Background())

	ctx := context.Background()
	if err := d.Dispatch(ctx, Task{ID: "same", Query: "SELECT 1"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, Task{ID: "same", Query: "SELECT 1"}); err == nil {
		t.Fatalf("expected duplicate task id to be rejected")
	}
	if st := d.Stats(); st.Queued != 1 {
		t.Fatalf("want 1 queued task, got %#v", st)
	}
}

// Both backends must hand the same bind parameters to SQLite: an integer
// submitted to the asynq queue binds as INTEGER, not REAL.
func TestBackends_BindParamsAlike(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()

	reg, err := registry.New(registry.Config{Dir: t.TempDir(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	defer reg.Close()

	local, err := NewProcessor(Config{Concurrency: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	queued, err := NewAsynqDispatcher(AsynqConfig{
		Redis:  asynq.RedisClientOpt{Addr: s.Addr()},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewAsynqDispatcher: %v", err)
	}

	for name, b := range map[string]Backend{"local": local, "asynq": queued} {
		results := make(chan *domain.Result, 1)
		errs := make(chan error, 1)
		runner := RunnerFunc(func(ctx context.Context, task Task) error {
			res, err := reg.Execute(ctx, task.Database, task.Query, task.Params)
			if err != nil {
				errs <- err
				return err
			}
			results <- res
			return nil
		})
		if err := b.Start(runner); err != nil {
			t.Fatalf("%s: Start: %v", name, err)
		}

		task := Task{ID: "bind-" + name, Database: "default", Query: "SELECT typeof(?) AS t, ? AS v",
			Params: []any{int64(1), int64(1)}}
		if err := b.Dispatch(context.Background(), task); err != nil {
			t.Fatalf("%s: Dispatch: %v", name, err)
		}

		select {
		case res := <-results:
			if len(res.Rows) != 1 {
				t.Fatalf("%s: want one row, got %#v", name, res.Rows)
			}
			if got := res.Rows[0][0]; got != "integer" {
				t.Fatalf("%s: typeof bound param = %v, want integer", name, got)
			}
			if got := res.Rows[0][1]; got != int64(1) {
				t.Fatalf("%s: bound value = %#v, want int64(1)", name, got)
			}
		case err := <-errs:
			t.Fatalf("%s: execute: %v", name, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: task never ran", name)
		}

		if err := b.Shutdown(context.Background()); err != nil {
			t.Fatalf("%s: Shutdown: %v", name, err)
		}
	}
}
