package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/mohans/sqlgate/domain"
)

// Store abstracts persistence for job lifecycle records.
// Implementations must be safe for concurrent use. Transitions are
// monotonic: marking a job that is already terminal does nothing.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	MarkStarted(ctx context.Context, jobID string, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID string, result *domain.Result, finishedAt time.Time) error
	MarkFailed(ctx context.Context, jobID string, jobErr *domain.Error, finishedAt time.Time) error
	Get(ctx context.Context, jobID string) (*Job, error)
	// Prune removes terminal jobs that completed before the cutoff and
	// returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// MemStore keeps jobs in memory. Terminal jobs beyond maxCompleted are
// dropped oldest completion first; pending and running jobs are never
// dropped.
type MemStore struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	completed    []string // terminal job ids in completion order
	maxCompleted int
}

// NewMemStore creates a MemStore. maxCompleted <= 0 means no count limit.
func NewMemStore(maxCompleted int) *MemStore {
	return &MemStore{jobs: make(map[string]*Job), maxCompleted: maxCompleted}
}

func (s *MemStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.AlreadyExists("job %q already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	if job.Status.Terminal() {
		s.completedLocked(job.ID)
	}
	return nil
}

func (s *MemStore) MarkStarted(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.NotFound("job %q not found", jobID)
	}
	if j.Status != StatusPending {
		return nil
	}
	t := startedAt.UTC()
	j.Status = StatusRunning
	j.StartedAt = &t
	return nil
}

func (s *MemStore) MarkCompleted(_ context.Context, jobID string, result *domain.Result, finishedAt time.Time) error {
	return s.finish(jobID, finishedAt, func(j *Job) {
		j.Status = StatusSucceeded
		j.Result = result
	})
}

func (s *MemStore) MarkFailed(_ context.Context, jobID string, jobErr *domain.Error, finishedAt time.Time) error {
	return s.finish(jobID, finishedAt, func(j *Job) {
		j.Status = StatusFailed
		j.Error = jobErr
	})
}

func (s *MemStore) finish(jobID string, at time.Time, set func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.NotFound("job %q not found", jobID)
	}
	if j.Status.Terminal() {
		return nil
	}
	t := at.UTC()
	if j.StartedAt == nil {
		j.StartedAt = &t
	}
	j.CompletedAt = &t
	set(j)
	s.completedLocked(jobID)
	return nil
}

func (s *MemStore) completedLocked(jobID string) {
	s.completed = append(s.completed, jobID)
	if s.maxCompleted <= 0 {
		return
	}
	for len(s.completed) > s.maxCompleted {
		delete(s.jobs, s.completed[0])
		s.completed = s.completed[1:]
	}
}

func (s *MemStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.NotFound("job %q not found", jobID)
	}
	return j.Clone(), nil
}

func (s *MemStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.completed[:0]
	n := 0
	for _, id := range s.completed {
		j := s.jobs[id]
		if j != nil && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(s.jobs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.completed = kept
	return n, nil
}

// Len returns the number of stored jobs.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
