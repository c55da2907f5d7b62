// Package extensions discovers native SQLite extensions in a directory and
// loads them into individual databases.
package extensions

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/mohans/sqlgate/domain"
)

// Descriptor describes one extension file and where it is loaded.
type Descriptor struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	LoadedIn []string `json:"loaded_in_dbs"`
}

// Databases is the part of the registry the loader needs.
type Databases interface {
	Exists(name string) bool
	LoadExtension(ctx context.Context, db, name, path, entryPoint string) error
	LoadedExtensions(ctx context.Context, db string) ([]string, error)
}

// Suffix returns the shared library suffix of the running platform.
func Suffix() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	}
	return ".so"
}

// Loader is safe for concurrent use.
type Loader struct {
	dir    string
	suffix string
	dbs    Databases
	log    *slog.Logger

	loadMu sync.Mutex // serializes loads
	mu     sync.RWMutex
	loaded map[string]map[string]struct{} // extension file name -> databases
}

// NewLoader creates a Loader for the extensions in dir, creating dir if
// needed.
func NewLoader(dir string, dbs Databases, log *slog.Logger) (*Loader, error) {
	if dir == "" {
		return nil, domain.InvalidInput("extensions directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.Storage("create extensions directory: %v", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		dir:    dir,
		suffix: Suffix(),
		dbs:    dbs,
		log:    log,
		loaded: make(map[string]map[string]struct{}),
	}, nil
}

// resolve validates name and returns the canonical file name. Names are file
// names only; the platform suffix is appended when missing, so only files
// ListAvailable reports can be described or loaded.
func (l *Loader) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", domain.InvalidInput("invalid extension name %q", name)
	}
	if !strings.HasSuffix(name, l.suffix) {
		name += l.suffix
	}
	return name, nil
}

func (l *Loader) loadedIn(file string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dbs := make([]string, 0, len(l.loaded[file]))
	for db := range l.loaded[file] {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)
	return dbs
}

// ListAvailable returns every extension file in the directory.
func (l *Loader) ListAvailable() ([]Descriptor, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Descriptor{}, nil
		}
		return nil, domain.Storage("list extensions: %v", err)
	}
	out := []Descriptor{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), l.suffix) {
			continue
		}
		out = append(out, Descriptor{
			Name:     e.Name(),
			Path:     filepath.Join(l.dir, e.Name()),
			LoadedIn: l.loadedIn(e.Name()),
		})
	}
	return out, nil
}

// Describe returns the descriptor of one extension.
func (l *Loader) Describe(name string) (Descriptor, error) {
	file, err := l.resolve(name)
	if err != nil {
		return Descriptor{}, err
	}
	path := filepath.Join(l.dir, file)
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return Descriptor{}, domain.NotFound("extension %q not found", name)
	}
	return Descriptor{Name: file, Path: path, LoadedIn: l.loadedIn(file)}, nil
}

// Load enables the extension on db. Loading an extension that is already
// loaded into db succeeds without doing anything.
func (l *Loader) Load(ctx context.Context, name, db, entryPoint string) error {
	d, err := l.Describe(name)
	if err != nil {
		return err
	}
	if !l.dbs.Exists(db) {
		return domain.NotFound("database %q not found", db)
	}
	if st, err := os.Stat(d.Path); err == nil && st.Size() == 0 {
		return domain.IncompatibleExtension("extension %q is empty", d.Name)
	}

	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.RLock()
	_, done := l.loaded[d.Name][db]
	l.mu.RUnlock()
	if done {
		return nil
	}

	if err := l.dbs.LoadExtension(ctx, db, d.Name, d.Path, entryPoint); err != nil {
		return err
	}

	l.mu.Lock()
	if l.loaded[d.Name] == nil {
		l.loaded[d.Name] = make(map[string]struct{})
	}
	l.loaded[d.Name][db] = struct{}{}
	l.mu.Unlock()

	l.log.Info("extension loaded", "extension", d.Name, "db", db)
	return nil
}

// ListLoaded returns the extensions loaded into db.
func (l *Loader) ListLoaded(ctx context.Context, db string) ([]string, error) {
	if !l.dbs.Exists(db) {
		return nil, domain.NotFound("database %q not found", db)
	}
	return l.dbs.LoadedExtensions(ctx, db)
}

// LoadAll loads every available extension into db, logging the ones that
// fail. It returns the number loaded.
func (l *Loader) LoadAll(ctx context.Context, db string) int {
	exts, err := l.ListAvailable()
	if err != nil {
		l.log.Warn("discover extensions", "error", err)
		return 0
	}
	n := 0
	for _, ext := range exts {
		if err := l.Load(ctx, ext.Name, db, ""); err != nil {
			l.log.Warn("could not load extension", "extension", ext.Name, "db", db, "error", err)
			continue
		}
		n++
	}
	return n
}
