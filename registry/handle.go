package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/sqltext"
)

// Extension is a native SQLite extension enabled on a Handle.
type Extension struct {
	Name       string
	Path       string
	EntryPoint string
}

// Handle is one open database. Reads run concurrently; writes hold the
// handle exclusively, since SQLite admits a single writer per file.
type Handle struct {
	Name      string
	Path      string
	CreatedAt time.Time

	db       *sql.DB
	maxIdle  int
	rw       sync.RWMutex
	extMu    sync.Mutex
	exts     []Extension
	extNames map[string]struct{}
}

// connector feeds every new connection through the driver's ConnectHook,
// which replays the handle's extensions.
type connector struct {
	dsn string
	drv *sqlite3.SQLiteDriver
}

func (c *connector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }
func (c *connector) Driver() driver.Driver                         { return c.drv }

func openHandle(ctx context.Context, name, path string, cfg Config) (*Handle, error) {
	h := &Handle{
		Name:      name,
		Path:      path,
		CreatedAt: time.Now().UTC(),
		maxIdle:   cfg.MaxOpenConns,
		extNames:  make(map[string]struct{}),
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	dsn := "file:" + path + "?" + q.Encode()

	h.db = sql.OpenDB(&connector{
		dsn: dsn,
		drv: &sqlite3.SQLiteDriver{ConnectHook: h.connectHook},
	})
	h.db.SetMaxOpenConns(cfg.MaxOpenConns)
	h.db.SetMaxIdleConns(h.maxIdle)

	// The first connection applies journal_mode=WAL, which writes the file
	// header: the database exists on disk once this returns.
	if err := h.db.PingContext(ctx); err != nil {
		_ = h.db.Close()
		return nil, domain.Storage("open database %q: %v", name, err)
	}
	return h, nil
}

func (h *Handle) connectHook(conn *sqlite3.SQLiteConn) error {
	h.extMu.Lock()
	exts := append([]Extension(nil), h.exts...)
	h.extMu.Unlock()
	for _, ext := range exts {
		if err := conn.LoadExtension(ext.Path, ext.EntryPoint); err != nil {
			return fmt.Errorf("load extension %s: %w", ext.Name, err)
		}
	}
	return nil
}

// Extensions returns the names of loaded extensions in load order.
func (h *Handle) Extensions() []string {
	h.extMu.Lock()
	defer h.extMu.Unlock()
	names := make([]string, len(h.exts))
	for i, ext := range h.exts {
		names[i] = ext.Name
	}
	return names
}

// HasExtension reports whether the named extension is loaded.
func (h *Handle) HasExtension(name string) bool {
	h.extMu.Lock()
	defer h.extMu.Unlock()
	_, ok := h.extNames[name]
	return ok
}

// LoadExtension enables ext on every connection of the handle. It waits for
// running statements to finish, drops the idle connections and checks that a
// fresh connection can load the full extension set. On failure the
// extension is forgotten and the handle keeps working without it.
func (h *Handle) LoadExtension(ctx context.Context, ext Extension) error {
	h.rw.Lock()
	defer h.rw.Unlock()

	h.extMu.Lock()
	if _, ok := h.extNames[ext.Name]; ok {
		h.extMu.Unlock()
		return nil
	}
	h.exts = append(h.exts, ext)
	h.extNames[ext.Name] = struct{}{}
	h.extMu.Unlock()

	err := h.probeConn(ctx)
	if err == nil {
		return nil
	}

	h.extMu.Lock()
	h.exts = h.exts[:len(h.exts)-1]
	delete(h.extNames, ext.Name)
	h.extMu.Unlock()
	if perr := h.probeConn(ctx); perr != nil {
		return domain.Storage("reopen database %q: %v", h.Name, perr)
	}
	return domain.IncompatibleExtension("extension %q cannot be loaded into %q: %v", ext.Name, h.Name, err)
}

// probeConn recycles the pool and opens one connection. Callers hold h.rw
// exclusively, so every pooled connection is idle and gets closed.
func (h *Handle) probeConn(ctx context.Context) error {
	h.db.SetMaxIdleConns(0)
	h.db.SetMaxIdleConns(h.maxIdle)
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Execute runs one statement. Read-only statements return their rows;
// anything else is executed for its side effects and reports RowsAffected.
func (h *Handle) Execute(ctx context.Context, query string, params any) (*domain.Result, error) {
	args, err := BindArgs(params)
	if err != nil {
		return nil, err
	}

	if sqltext.IsReadOnly(query) {
		h.rw.RLock()
		defer h.rw.RUnlock()
		res, err := h.query(ctx, query, args)
		if err != nil {
			return nil, classify(ctx, err)
		}
		return res, nil
	}

	h.rw.Lock()
	defer h.rw.Unlock()
	r, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &domain.Result{RowsAffected: &n}, nil
}

func (h *Handle) query(ctx context.Context, query string, args []any) (*domain.Result, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (h *Handle) close() error {
	h.rw.Lock()
	defer h.rw.Unlock()
	return h.db.Close()
}

// classify maps driver errors onto the gateway taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Timeout("query exceeded its time limit")
	}
	if errors.Is(err, context.Canceled) {
		return domain.Unavailable("query canceled")
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen,
			sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrNoLFS, sqlite3.ErrPerm:
			return domain.Storage("%v", serr)
		case sqlite3.ErrInterrupt:
			return domain.Timeout("query interrupted: %v", serr)
		}
		return domain.Execution("%v", serr)
	}
	return domain.Execution("%v", err)
}
