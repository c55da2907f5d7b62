package jobs

import (
	"time"

	"github.com/mohans/sqlgate/domain"
)

// Status represents job processing status.
// Valid values: pending, running, succeeded, failed.
// Kept as string for readability in SQL and JSON.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is one submitted query. Jobs that share an execution point at the same
// Result.
type Job struct {
	ID          string         `json:"id"`
	Database    string         `json:"db_name"`
	Query       string         `json:"query"`
	Params      any            `json:"params,omitempty"`
	CacheKey    string         `json:"cache_key"`
	CacheTTL    time.Duration  `json:"-"`
	Cached      bool           `json:"cached"`
	Status      Status         `json:"status"`
	Result      *domain.Result `json:"result,omitempty"`
	Error       *domain.Error  `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy that the caller may modify. Result is shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}
