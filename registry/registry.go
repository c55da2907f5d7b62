// Package registry owns the file-backed SQLite databases served by the
// gateway: one Handle per logical name, created on first reference.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohans/sqlgate/domain"
)

const fileSuffix = ".db"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateName rejects names that could escape the database directory or
// that the filesystem might treat specially.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return domain.InvalidInput("invalid database name %q: use letters, digits, '_' or '-' (max 64)", name)
	}
	return nil
}

// Config configures a Registry.
type Config struct {
	// Dir holds one <name>.db file per database. Created if missing.
	Dir string
	// BusyTimeout is how long SQLite waits on a locked database before
	// reporting SQLITE_BUSY. Defaults to 5s.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the connection pool of each database. Defaults to 8.
	MaxOpenConns int
	Logger       *slog.Logger
}

// Registry maps database names to Handles. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	log    *slog.Logger
	group  singleflight.Group
	mu     sync.RWMutex
	dbs    map[string]*Handle
	closed bool
}

// New creates a Registry rooted at cfg.Dir.
func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, domain.InvalidInput("database directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, domain.Storage("create database directory: %v", err)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 8
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{cfg: cfg, log: log, dbs: make(map[string]*Handle)}, nil
}

// Dir returns the directory holding the database files.
func (r *Registry) Dir() string { return r.cfg.Dir }

func (r *Registry) path(name string) string {
	return filepath.Join(r.cfg.Dir, name+fileSuffix)
}

func (r *Registry) lookup(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, domain.Unavailable("registry is closed")
	}
	return r.dbs[name], nil
}

// GetOrCreate returns the Handle for name, opening or creating the database
// file when needed. Concurrent callers asking for the same new name share a
// single open; every one of them receives the same Handle.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if h, err := r.lookup(name); h != nil || err != nil {
		return h, err
	}
	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		return r.open(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Get returns the Handle for an existing database: one already open or one
// whose file is present on disk.
func (r *Registry) Get(ctx context.Context, name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if h, err := r.lookup(name); h != nil || err != nil {
		return h, err
	}
	if !r.fileExists(name) {
		return nil, domain.NotFound("database %q not found", name)
	}
	return r.GetOrCreate(ctx, name)
}

// Exists reports whether the database is open or present on disk.
func (r *Registry) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	if h, _ := r.lookup(name); h != nil {
		return true
	}
	return r.fileExists(name)
}

// Create creates a new database, failing with AlreadyExists if the name is
// already open or its file exists. The file is written immediately and
// seeded with the example table.
func (r *Registry) Create(ctx context.Context, name string) (*Handle, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	// Concurrent creates of one name share a flight; only the caller whose
	// closure ran owns the result; the others lost the race.
	owner := false
	v, err, _ := r.group.Do("create:"+name, func() (interface{}, error) {
		owner = true
		if r.Exists(name) {
			return nil, domain.AlreadyExists("database %q already exists", name)
		}
		h, err := r.GetOrCreate(ctx, name)
		if err != nil {
			return nil, err
		}
		if _, err := h.Execute(ctx, exampleTableDDL, nil); err != nil {
			return nil, fmt.Errorf("seed database %q: %w", name, err)
		}
		return h, nil
	})
	if !owner {
		return nil, domain.AlreadyExists("database %q already exists", name)
	}
	if err != nil {
		return nil, err
	}
	h := v.(*Handle)
	r.log.Info("database created", "db", name, "path", h.Path)
	return h, nil
}

const exampleTableDDL = `CREATE TABLE IF NOT EXISTS example (
	id INTEGER PRIMARY KEY,
	name TEXT,
	value REAL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

func (r *Registry) fileExists(name string) bool {
	_, err := os.Stat(r.path(name))
	return err == nil
}

// open runs inside the singleflight for name.
func (r *Registry) open(ctx context.Context, name string) (*Handle, error) {
	if h, err := r.lookup(name); h != nil || err != nil {
		return h, err
	}
	h, err := openHandle(ctx, name, r.path(name), r.cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = h.close()
		return nil, domain.Unavailable("registry is closed")
	}
	r.dbs[name] = h
	r.log.Debug("database opened", "db", name)
	return h, nil
}

// List returns the sorted names of all known databases, open or on disk.
func (r *Registry) List() ([]string, error) {
	seen := make(map[string]struct{})
	r.mu.RLock()
	for name := range r.dbs {
		seen[name] = struct{}{}
	}
	r.mu.RUnlock()

	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Storage("list database directory: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileSuffix)
		if ValidateName(name) == nil {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Execute runs query against the named database, creating it if needed.
func (r *Registry) Execute(ctx context.Context, db, query string, params any) (*domain.Result, error) {
	h, err := r.GetOrCreate(ctx, db)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, query, params)
}

// LoadExtension enables the extension at path on every connection of db.
// Loading an extension name twice is a no-op.
func (r *Registry) LoadExtension(ctx context.Context, db, name, path, entryPoint string) error {
	h, err := r.Get(ctx, db)
	if err != nil {
		return err
	}
	return h.LoadExtension(ctx, Extension{Name: name, Path: path, EntryPoint: entryPoint})
}

// LoadedExtensions returns the names of the extensions loaded into db.
func (r *Registry) LoadedExtensions(ctx context.Context, db string) ([]string, error) {
	h, err := r.Get(ctx, db)
	if err != nil {
		return nil, err
	}
	return h.Extensions(), nil
}

// Close closes every open database. The Registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for name, h := range r.dbs {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.dbs = nil
	return errors.Join(errs...)
}
