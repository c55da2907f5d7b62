// Package jobs tracks submitted queries from submission to completion. The
// Manager probes the result cache, coalesces identical in-flight reads onto
// one execution and hands new executions to a worker.Dispatcher; the worker
// calls back into RunTask.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohans/sqlgate/cache"
	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/registry"
	"github.com/mohans/sqlgate/sqltext"
	"github.com/mohans/sqlgate/worker"
)

// ErrStillRunning is returned by Result for jobs that are not terminal yet.
var ErrStillRunning = errors.New("job has not finished")

// Executor runs one statement against a named database.
type Executor interface {
	Execute(ctx context.Context, db, query string, params any) (*domain.Result, error)
}

// SubmitRequest describes a query submission.
type SubmitRequest struct {
	Database string
	Query    string
	Params   any
	// CacheTTL overrides the default TTL. Nil means the default; zero or
	// negative disables caching for this submission.
	CacheTTL *time.Duration
	// ForceRefresh skips the cache lookup. The fresh result still replaces
	// the cached one.
	ForceRefresh bool
}

// Config configures a Manager.
type Config struct {
	DefaultDatabase string
	DefaultTTL      time.Duration
	QueryTimeout    time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Stats counts Manager activity since start.
type Stats struct {
	Submitted  uint64 `json:"submitted"`
	Executions uint64 `json:"executions"`
	CacheHits  uint64 `json:"cache_hits"`
	Coalesced  uint64 `json:"coalesced"`
	Failed     uint64 `json:"failed"`
	InFlight   int    `json:"in_flight"`
}

// execution is one dispatched run of a statement and the jobs waiting on it.
type execution struct {
	id      string
	key     string
	jobs    []string
	running bool
	done    chan struct{}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	store Store
	cache *cache.Cache
	exec  Executor
	disp  worker.Dispatcher

	mu       sync.Mutex
	inflight map[string]*execution // cache key -> coalescable execution
	execs    map[string]*execution // execution id -> execution
	byJob    map[string]*execution // non-terminal job id -> execution
	stats    Stats
}

// NewManager wires a Manager. The dispatcher must eventually call RunTask
// for every task it accepts.
func NewManager(cfg Config, store Store, c *cache.Cache, exec Executor, disp worker.Dispatcher) *Manager {
	if cfg.DefaultDatabase == "" {
		cfg.DefaultDatabase = "default"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		now:      now,
		store:    store,
		cache:    c,
		exec:     exec,
		disp:     disp,
		inflight: make(map[string]*execution),
		execs:    make(map[string]*execution),
		byJob:    make(map[string]*execution),
	}
}

// Submit registers a query and returns its job id without waiting for the
// query to run. A cache hit produces a job that has already succeeded.
// When the backend rejects the task the job is recorded as failed and its
// id is returned together with the error.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", domain.InvalidInput("query is required")
	}
	db := req.Database
	if db == "" {
		db = m.cfg.DefaultDatabase
	}
	if err := registry.ValidateName(db); err != nil {
		return "", err
	}
	if _, err := registry.BindArgs(req.Params); err != nil {
		return "", err
	}
	key, err := cache.Key(db, req.Query, req.Params)
	if err != nil {
		return "", err
	}

	ttl := m.cfg.DefaultTTL
	if req.CacheTTL != nil {
		ttl = *req.CacheTTL
	}
	readOnly := sqltext.IsReadOnly(req.Query)
	cacheable := readOnly && ttl > 0 && !sqltext.ReadsInternalTables(req.Query)

	now := m.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Database:    db,
		Query:       req.Query,
		Params:      req.Params,
		CacheKey:    key,
		CacheTTL:    ttl,
		Status:      StatusPending,
		SubmittedAt: now,
	}

	if cacheable && !req.ForceRefresh {
		if e, ok := m.cache.Get(key); ok {
			job.Status = StatusSucceeded
			job.Cached = true
			job.Result = e.Result
			job.StartedAt = &now
			job.CompletedAt = &now
			if err := m.store.Insert(ctx, job); err != nil {
				return "", err
			}
			m.mu.Lock()
			m.stats.Submitted++
			m.stats.CacheHits++
			m.mu.Unlock()
			m.log.Debug("query served from cache", "job_id", job.ID, "db", db)
			return job.ID, nil
		}
	}

	m.mu.Lock()
	if readOnly {
		if ex := m.inflight[key]; ex != nil {
			if ex.running {
				job.Status = StatusRunning
				job.StartedAt = &now
			}
			if err := m.store.Insert(ctx, job); err != nil {
				m.mu.Unlock()
				return "", err
			}
			ex.jobs = append(ex.jobs, job.ID)
			m.byJob[job.ID] = ex
			m.stats.Submitted++
			m.stats.Coalesced++
			m.mu.Unlock()
			m.log.Debug("query attached to running execution", "job_id", job.ID, "execution_id", ex.id)
			return job.ID, nil
		}
	}
	if err := m.store.Insert(ctx, job); err != nil {
		m.mu.Unlock()
		return "", err
	}
	ex := &execution{id: uuid.NewString(), key: key, jobs: []string{job.ID}, done: make(chan struct{})}
	if readOnly {
		m.inflight[key] = ex
	}
	m.execs[ex.id] = ex
	m.byJob[job.ID] = ex
	m.stats.Submitted++
	m.mu.Unlock()

	task := worker.Task{
		ID:        ex.id,
		Database:  db,
		Query:     req.Query,
		Params:    req.Params,
		CacheKey:  key,
		TTL:       ttl,
		Cacheable: cacheable,
	}
	if err := m.disp.Dispatch(ctx, task); err != nil {
		derr := domain.AsError(err, domain.KindUnavailable)
		m.complete(context.WithoutCancel(ctx), ex, nil, derr)
		return job.ID, derr
	}
	return job.ID, nil
}

// Status returns a snapshot of the job.
func (m *Manager) Status(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// Result returns the job's result once it succeeded, its error once it
// failed, and ErrStillRunning before that.
func (m *Manager) Result(ctx context.Context, id string) (*domain.Result, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusSucceeded:
		return job.Result, nil
	case StatusFailed:
		if job.Error == nil {
			return nil, domain.Execution("job %s failed", id)
		}
		return nil, job.Error
	}
	return nil, ErrStillRunning
}

// Wait blocks until the job is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	ex := m.byJob[id]
	m.mu.Unlock()
	if ex != nil {
		select {
		case <-ex.done:
		case <-ctx.Done():
			return nil, domain.Timeout("job %s still running: %v", id, ctx.Err())
		}
	}
	return m.store.Get(ctx, id)
}

// RunTask executes one dispatched task and settles every job attached to
// it. Query failures are recorded on the jobs and also returned.
func (m *Manager) RunTask(ctx context.Context, t worker.Task) error {
	m.mu.Lock()
	ex := m.execs[t.ID]
	if ex == nil {
		m.mu.Unlock()
		m.log.Warn("dropping task with no waiting jobs", "execution_id", t.ID, "db", t.Database)
		return nil
	}
	ex.running = true
	ids := append([]string(nil), ex.jobs...)
	m.stats.Executions++
	m.mu.Unlock()

	started := m.now()
	for _, id := range ids {
		if err := m.store.MarkStarted(ctx, id, started); err != nil {
			m.log.Error("mark job started", "job_id", id, "error", err)
		}
	}

	res, err := m.execute(ctx, t)
	if err != nil {
		m.complete(context.WithoutCancel(ctx), ex, nil, domain.AsError(err, domain.KindExecution))
		return err
	}
	if t.Cacheable {
		m.cache.Put(t.CacheKey, res, t.TTL)
	}
	m.complete(context.WithoutCancel(ctx), ex, res, nil)
	m.log.Debug("query executed", "execution_id", t.ID, "db", t.Database,
		"rows", res.RowCount, "jobs", len(ids), "elapsed", m.now().Sub(started))
	return nil
}

func (m *Manager) execute(ctx context.Context, t worker.Task) (res *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("query execution panicked", "execution_id", t.ID, "panic", r)
			res, err = nil, domain.Execution("query execution panicked: %v", r)
		}
	}()
	if m.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.QueryTimeout)
		defer cancel()
	}
	res, err = m.exec.Execute(ctx, t.Database, t.Query, t.Params)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && domain.KindOf(err) != domain.KindTimeout {
		err = domain.Timeout("query exceeded %s: %v", m.cfg.QueryTimeout, err)
	}
	return res, err
}

// complete detaches ex so no job can join it, settles its jobs, then
// releases waiters.
func (m *Manager) complete(ctx context.Context, ex *execution, res *domain.Result, jobErr *domain.Error) {
	m.mu.Lock()
	if m.inflight[ex.key] == ex {
		delete(m.inflight, ex.key)
	}
	delete(m.execs, ex.id)
	ids := ex.jobs
	if jobErr != nil {
		m.stats.Failed += uint64(len(ids))
	}
	m.mu.Unlock()

	now := m.now()
	for _, id := range ids {
		var err error
		if jobErr != nil {
			err = m.store.MarkFailed(ctx, id, jobErr, now)
		} else {
			err = m.store.MarkCompleted(ctx, id, res, now)
		}
		if err != nil {
			m.log.Error("settle job", "job_id", id, "error", err)
		}
	}
	close(ex.done)

	m.mu.Lock()
	for _, id := range ids {
		delete(m.byJob, id)
	}
	m.mu.Unlock()
}

// Prune drops terminal jobs older than retention.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return m.store.Prune(ctx, m.now().Add(-retention))
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.InFlight = len(m.execs)
	return s
}
