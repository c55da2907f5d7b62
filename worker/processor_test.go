package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/sqlgate/domain"
)

func newTestProcessor(t *testing.T, concurrency int) *Processor {
	t.Helper()
	p, err := NewProcessor(Config{Concurrency: concurrency, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	return p
}

func TestNewProcessorConcurrency(t *testing.T) {
	_, err := NewProcessor(Config{Concurrency: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p := newTestProcessor(t, 0)
	assert.Equal(t, DefaultConcurrency, p.Stats().Capacity)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProcessorRunsInFIFOOrder(t *testing.T) {
	p := newTestProcessor(t, 1)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Dispatch(ctx, Task{ID: fmt.Sprint(i)}))
	}

	var mu sync.Mutex
	var order []string
	require.NoError(t, p.Start(RunnerFunc(func(_ context.Context, task Task) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil
	})))
	require.NoError(t, p.Shutdown(ctx))

	require.Len(t, order, 20)
	for i, id := range order {
		assert.Equal(t, fmt.Sprint(i), id)
	}
	assert.Equal(t, uint64(20), p.Stats().Processed)
}

func TestProcessorBoundsConcurrency(t *testing.T) {
	const slots = 3
	p := newTestProcessor(t, slots)
	var cur, peak atomic.Int32
	require.NoError(t, p.Start(RunnerFunc(func(context.Context, Task) error {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	})))

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, p.Dispatch(ctx, Task{ID: fmt.Sprint(i)}))
	}
	require.NoError(t, p.Shutdown(ctx))
	assert.LessOrEqual(t, peak.Load(), int32(slots))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestProcessorSurvivesPanicsAndErrors(t *testing.T) {
	p := newTestProcessor(t, 1)
	var ran atomic.Int32
	require.NoError(t, p.Start(RunnerFunc(func(_ context.Context, task Task) error {
		ran.Add(1)
		switch task.ID {
		case "panic":
			panic("boom")
		case "error":
			return errors.New("bad query")
		}
		return nil
	})))

	ctx := context.Background()
	for _, id := range []string{"panic", "error", "ok"} {
		require.NoError(t, p.Dispatch(ctx, Task{ID: id}))
	}
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, uint64(2), p.Stats().Failed)
}

func TestProcessorRejectsAfterShutdown(t *testing.T) {
	p := newTestProcessor(t, 2)
	require.NoError(t, p.Start(RunnerFunc(func(context.Context, Task) error { return nil })))
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Dispatch(context.Background(), Task{ID: "late"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Error(t, p.Start(RunnerFunc(func(context.Context, Task) error { return nil })))
}

func TestProcessorShutdownHonorsContext(t *testing.T) {
	p := newTestProcessor(t, 1)
	release := make(chan struct{})
	require.NoError(t, p.Start(RunnerFunc(func(context.Context, Task) error {
		<-release
		return nil
	})))
	require.NoError(t, p.Dispatch(context.Background(), Task{ID: "slow"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}
