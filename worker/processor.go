package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mohans/sqlgate/domain"
)

// DefaultConcurrency is used when Config.Concurrency is zero.
const DefaultConcurrency = 10

// Config configures a Processor.
type Config struct {
	Concurrency int
	Logger      *slog.Logger
}

// Processor runs tasks on a fixed-size ants pool. Dispatch appends to an
// unbounded FIFO queue; a single loop hands tasks to the pool in order,
// blocking while every slot is busy.
type Processor struct {
	pool *ants.Pool
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	closed  bool
	started bool
	runner  Runner
	loopEnd chan struct{}
	running sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewProcessor creates a Processor. It does nothing until Start.
func NewProcessor(cfg Config) (*Processor, error) {
	con := cfg.Concurrency
	if con < 0 {
		return nil, domain.InvalidInput("worker concurrency must not be negative, got %d", con)
	}
	if con == 0 {
		con = DefaultConcurrency
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{log: log, loopEnd: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	pool, err := ants.NewPool(con, ants.WithPanicHandler(func(v any) {
		p.log.Error("worker slot panic", "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// Dispatch queues t. It fails with Unavailable after Shutdown.
func (p *Processor) Dispatch(_ context.Context, t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.Unavailable("worker pool is shut down")
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// Start begins handing queued tasks to r.
func (p *Processor) Start(r Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("processor already started")
	}
	if p.closed {
		return domain.Unavailable("worker pool is shut down")
	}
	p.started = true
	p.runner = r
	go p.loop()
	return nil
}

func (p *Processor) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return Task{}, false
	}
	t := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	return t, true
}

func (p *Processor) loop() {
	defer close(p.loopEnd)
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.running.Add(1)
		if err := p.pool.Submit(func() {
			defer p.running.Done()
			p.run(t)
		}); err != nil {
			p.log.Warn("pool rejected task, running inline", "task_id", t.ID, "error", err)
			p.run(t)
			p.running.Done()
		}
	}
}

func (p *Processor) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.log.Error("task panicked", "task_id", t.ID, "panic", r)
		}
	}()
	start := time.Now()
	err := p.runner.RunTask(context.Background(), t)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.log.Debug("task failed", "task_id", t.ID, "db", t.Database, "error", err, "elapsed", time.Since(start))
		return
	}
	p.log.Debug("task done", "task_id", t.ID, "db", t.Database, "elapsed", time.Since(start))
}

// Shutdown stops accepting tasks, runs what is already queued and waits for
// running tasks, or until ctx is done.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	dropped := 0
	if !started {
		dropped = len(p.queue)
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if dropped > 0 {
		p.log.Warn("worker pool never started, dropping queued tasks", "tasks", dropped)
	}
	if started {
		select {
		case <-p.loopEnd:
		case <-ctx.Done():
			return ctx.Err()
		}
		drained := make(chan struct{})
		go func() {
			p.running.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.pool.ReleaseTimeout(3 * time.Second)
}

// Stats reports queue depth and slot usage.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Backend:   "local",
		Capacity:  p.pool.Cap(),
		Running:   p.pool.Running(),
		Queued:    queued,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}
