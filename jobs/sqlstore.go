package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // job ledger driver

	"github.com/mohans/sqlgate/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sqlgate_jobs (
    id           VARCHAR(64)  PRIMARY KEY,
    db_name      VARCHAR(64)  NOT NULL,
    query        TEXT         NOT NULL,
    params_json  TEXT         NULL,
    cache_key    VARCHAR(64)  NOT NULL,
    cache_ttl_ms BIGINT       NOT NULL DEFAULT 0,
    cached       BOOLEAN      NOT NULL DEFAULT FALSE,
    status       VARCHAR(32)  NOT NULL,
    result_json  TEXT         NULL,
    error_kind   VARCHAR(32)  NULL,
    error_msg    TEXT         NULL,
    submitted_at BIGINT       NOT NULL,
    started_at   BIGINT       NULL,
    completed_at BIGINT       NULL
);
CREATE INDEX IF NOT EXISTS sqlgate_jobs_completed_at ON sqlgate_jobs (completed_at);
`

// SQLStore persists jobs in a relational database, by default a SQLite
// ledger file opened with OpenSQLStore. Timestamps are stored as Unix
// nanoseconds and results as JSON.
type SQLStore struct {
	db           *sql.DB
	maxCompleted int
}

// NewSQLStore wraps db. maxCompleted <= 0 means Prune only applies the age
// cutoff.
func NewSQLStore(db *sql.DB, maxCompleted int) *SQLStore {
	return &SQLStore{db: db, maxCompleted: maxCompleted}
}

// OpenSQLStore opens (creating if needed) a SQLite ledger at path and
// applies the schema.
func OpenSQLStore(ctx context.Context, path string, maxCompleted int) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, domain.Storage("open job ledger: %v", err)
	}
	// One connection: the ledger is written from many goroutines and SQLite
	// has a single writer.
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db, maxCompleted)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the jobs table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return domain.Storage("migrate job ledger: %v", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// exec runs q with '?' placeholders and retries with Postgres-style '$n'
// placeholders if the driver rejects them.
func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		res2, err2 := s.db.ExecContext(ctx, rebind(q), args...)
		if err2 != nil {
			return nil, domain.Storage("%v", err)
		}
		return res2, nil
	}
	return res, nil
}

func rebind(q string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQLStore) Insert(ctx context.Context, job *Job) error {
	var params, result sql.NullString
	if job.Params != nil {
		b, err := json.Marshal(job.Params)
		if err != nil {
			return domain.InvalidInput("encode params: %v", err)
		}
		params = sql.NullString{String: string(b), Valid: true}
	}
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return domain.Storage("encode result: %v", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	var errKind, errMsg sql.NullString
	if job.Error != nil {
		errKind = sql.NullString{String: string(job.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: job.Error.Message, Valid: true}
	}
	q := `INSERT INTO sqlgate_jobs (id, db_name, query, params_json, cache_key, cache_ttl_ms, cached, status,
		result_json, error_kind, error_msg, submitted_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, q, job.ID, job.Database, job.Query, params, job.CacheKey, job.CacheTTL.Milliseconds(),
		job.Cached, string(job.Status), result, errKind, errMsg, job.SubmittedAt.UnixNano(),
		nanos(job.StartedAt), nanos(job.CompletedAt))
	return err
}

func (s *SQLStore) MarkStarted(ctx context.Context, jobID string, startedAt time.Time) error {
	q := `UPDATE sqlgate_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`
	res, err := s.exec(ctx, q, string(StatusRunning), startedAt.UnixNano(), jobID, string(StatusPending))
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, jobID)
}

func (s *SQLStore) MarkCompleted(ctx context.Context, jobID string, result *domain.Result, finishedAt time.Time) error {
	var resultJSON sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return domain.Storage("encode result: %v", err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	at := finishedAt.UnixNano()
	q := `UPDATE sqlgate_jobs SET status = ?, result_json = ?, started_at = COALESCE(started_at, ?), completed_at = ?
		WHERE id = ? AND status IN (?, ?)`
	res, err := s.exec(ctx, q, string(StatusSucceeded), resultJSON, at, at, jobID,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, jobID)
}

func (s *SQLStore) MarkFailed(ctx context.Context, jobID string, jobErr *domain.Error, finishedAt time.Time) error {
	if jobErr == nil {
		jobErr = domain.Execution("unknown error")
	}
	at := finishedAt.UnixNano()
	q := `UPDATE sqlgate_jobs SET status = ?, error_kind = ?, error_msg = ?, started_at = COALESCE(started_at, ?), completed_at = ?
		WHERE id = ? AND status IN (?, ?)`
	res, err := s.exec(ctx, q, string(StatusFailed), string(jobErr.Kind), jobErr.Message, at, at, jobID,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, jobID)
}

// checkUpdated turns "no row updated" into NotFound when the job does not
// exist. A job that exists but is past the transition is left alone.
func (s *SQLStore) checkUpdated(ctx context.Context, res sql.Result, jobID string) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err := s.Get(ctx, jobID)
	return err
}

// FailInterrupted fails every job left pending or running by a previous
// process. It returns the number of jobs changed.
func (s *SQLStore) FailInterrupted(ctx context.Context, at time.Time) (int, error) {
	q := `UPDATE sqlgate_jobs SET status = ?, error_kind = ?, error_msg = ?, completed_at = ? WHERE status IN (?, ?)`
	res, err := s.exec(ctx, q, string(StatusFailed), string(domain.KindUnavailable),
		"interrupted by gateway restart", at.UnixNano(), string(StatusPending), string(StatusRunning))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, db_name, query, params_json, cache_key, cache_ttl_ms, cached, status, result_json,
		error_kind, error_msg, submitted_at, started_at, completed_at FROM sqlgate_jobs WHERE id = ?`
	job, err := s.scan(s.db.QueryRowContext(ctx, q, jobID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		// retry with postgres placeholders
		job, err = s.scan(s.db.QueryRowContext(ctx, rebind(q), jobID))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("job %q not found", jobID)
	}
	if err != nil {
		return nil, domain.Storage("get job %q: %v", jobID, err)
	}
	return job, nil
}

func (s *SQLStore) scan(row *sql.Row) (*Job, error) {
	job := &Job{}
	var status string
	var ttlMS, submitted int64
	var params, result, errKind, errMsg sql.NullString
	var started, completed sql.NullInt64
	if err := row.Scan(&job.ID, &job.Database, &job.Query, &params, &job.CacheKey, &ttlMS, &job.Cached, &status,
		&result, &errKind, &errMsg, &submitted, &started, &completed); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.CacheTTL = time.Duration(ttlMS) * time.Millisecond
	job.SubmittedAt = time.Unix(0, submitted).UTC()
	job.StartedAt = fromNanos(started)
	job.CompletedAt = fromNanos(completed)
	if params.Valid {
		if err := decodeJSON(params.String, &job.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if result.Valid {
		job.Result = &domain.Result{}
		if err := decodeJSON(result.String, job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if errKind.Valid {
		job.Error = &domain.Error{Kind: domain.Kind(errKind.String), Message: errMsg.String}
	}
	return job, nil
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	q := `DELETE FROM sqlgate_jobs WHERE status IN (?, ?) AND completed_at < ?`
	res, err := s.exec(ctx, q, string(StatusSucceeded), string(StatusFailed), before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if s.maxCompleted <= 0 {
		return int(n), nil
	}
	q = `DELETE FROM sqlgate_jobs WHERE id IN (
		SELECT id FROM sqlgate_jobs WHERE status IN (?, ?) ORDER BY completed_at DESC LIMIT -1 OFFSET ?)`
	res, err = s.exec(ctx, q, string(StatusSucceeded), string(StatusFailed), s.maxCompleted)
	if err != nil {
		return int(n), err
	}
	m, _ := res.RowsAffected()
	return int(n + m), nil
}

// decodeJSON keeps numbers as json.Number so integers survive the round
// trip.
func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
