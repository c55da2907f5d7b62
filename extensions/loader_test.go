package extensions

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/sqlgate/domain"
)

type fakeDatabases struct {
	mu     sync.Mutex
	dbs    map[string][]string
	calls  int
	reject map[string]bool
}

func newFakeDatabases(names ...string) *fakeDatabases {
	f := &fakeDatabases{dbs: make(map[string][]string), reject: make(map[string]bool)}
	for _, n := range names {
		f.dbs[n] = nil
	}
	return f
}

func (f *fakeDatabases) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dbs[name]
	return ok
}

func (f *fakeDatabases) LoadExtension(_ context.Context, db, name, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reject[name] {
		return domain.IncompatibleExtension("cannot load %s", name)
	}
	f.dbs[db] = append(f.dbs[db], name)
	return nil
}

func (f *fakeDatabases) LoadedExtensions(_ context.Context, db string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dbs[db]...), nil
}

func newTestLoader(t *testing.T, dbs Databases, files ...string) *Loader {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("\x7fELF"), 0o644))
	}
	l, err := NewLoader(dir, dbs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func TestListAvailable(t *testing.T) {
	sfx := Suffix()
	l := newTestLoader(t, newFakeDatabases(), "vss"+sfx, "json1"+sfx, "README.md")
	require.NoError(t, os.Mkdir(filepath.Join(l.dir, "sub"+sfx), 0o755))

	exts, err := l.ListAvailable()
	require.NoError(t, err)
	require.Len(t, exts, 2)
	assert.Equal(t, "json1"+sfx, exts[0].Name)
	assert.Equal(t, "vss"+sfx, exts[1].Name)
	assert.Equal(t, filepath.Join(l.dir, "vss"+sfx), exts[1].Path)
	assert.Empty(t, exts[1].LoadedIn)
}

func TestDescribe(t *testing.T) {
	sfx := Suffix()
	l := newTestLoader(t, newFakeDatabases(), "vss"+sfx)

	d, err := l.Describe("vss")
	require.NoError(t, err)
	assert.Equal(t, "vss"+sfx, d.Name)

	_, err = l.Describe("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for _, bad := range []string{"", "../vss" + sfx, "a/b" + sfx, ".hidden"} {
		_, err = l.Describe(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestNonLibraryFilesAreNotExtensions(t *testing.T) {
	dbs := newFakeDatabases("main")
	l := newTestLoader(t, dbs, "notes.txt", "README.md")

	exts, err := l.ListAvailable()
	require.NoError(t, err)
	assert.Empty(t, exts)

	for _, name := range []string{"notes.txt", "README.md"} {
		_, err = l.Describe(name)
		assert.ErrorIs(t, err, domain.ErrNotFound, name)
		err = l.Load(context.Background(), name, "main", "")
		assert.ErrorIs(t, err, domain.ErrNotFound, name)
	}
	assert.Zero(t, dbs.calls)
}

func TestLoadIsIdempotent(t *testing.T) {
	sfx := Suffix()
	dbs := newFakeDatabases("main")
	l := newTestLoader(t, dbs, "vss"+sfx)
	ctx := context.Background()

	require.NoError(t, l.Load(ctx, "vss", "main", ""))
	require.NoError(t, l.Load(ctx, "vss"+sfx, "main", ""))
	assert.Equal(t, 1, dbs.calls)

	loaded, err := l.ListLoaded(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"vss" + sfx}, loaded)

	d, err := l.Describe("vss")
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, d.LoadedIn)
}

func TestLoadErrors(t *testing.T) {
	sfx := Suffix()
	dbs := newFakeDatabases("main")
	dbs.reject["broken"+sfx] = true
	l := newTestLoader(t, dbs, "broken"+sfx)
	require.NoError(t, os.WriteFile(filepath.Join(l.dir, "empty"+sfx), nil, 0o644))
	ctx := context.Background()

	err := l.Load(ctx, "nope", "main", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = l.Load(ctx, "broken", "other", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = l.Load(ctx, "broken", "main", "")
	assert.ErrorIs(t, err, domain.ErrIncompatibleExtension)

	err = l.Load(ctx, "empty", "main", "")
	assert.ErrorIs(t, err, domain.ErrIncompatibleExtension)

	d, err := l.Describe("broken")
	require.NoError(t, err)
	assert.Empty(t, d.LoadedIn)

	_, err = l.ListLoaded(ctx, "other")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadAll(t *testing.T) {
	sfx := Suffix()
	dbs := newFakeDatabases("main")
	dbs.reject["bad"+sfx] = true
	l := newTestLoader(t, dbs, "a"+sfx, "b"+sfx, "bad"+sfx)

	assert.Equal(t, 2, l.LoadAll(context.Background(), "main"))
	loaded, err := l.ListLoaded(context.Background(), "main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a" + sfx, "b" + sfx}, loaded)
}

func TestConcurrentLoadsCallOnce(t *testing.T) {
	sfx := Suffix()
	dbs := newFakeDatabases("main")
	l := newTestLoader(t, dbs, "vss"+sfx)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Load(context.Background(), "vss", "main", ""))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, dbs.calls)
}
