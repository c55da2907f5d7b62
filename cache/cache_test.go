package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/sqlgate/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, capacity int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New(Config{Capacity: capacity, Clock: clock.Now})
	require.NoError(t, err)
	return c, clock
}

func result(v int64) *domain.Result {
	return &domain.Result{
		Columns:  []domain.Column{{Name: "v", Type: "INTEGER"}},
		Rows:     [][]any{{v}},
		RowCount: 1,
	}
}

func TestPutGetExpire(t *testing.T) {
	c, clock := newTestCache(t, 10)
	r := result(1)

	c.Put("k", r, 60*time.Second)
	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Same(t, r, e.Result)
	assert.Equal(t, int64(1), e.Hits)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Expirations)
	assert.Equal(t, int64(0), s.Bytes)
}

func TestPutNonPositiveTTLIsNoop(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Put("zero", result(1), 0)
	c.Put("neg", result(1), -time.Second)
	assert.Equal(t, 0, c.Len())
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 3)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), result(int64(i)), time.Minute)
	}

	// k0 becomes most recently used, so k1 is now the oldest.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Put("k3", result(3), time.Minute)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("k1")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, k := range []string{"k0", "k2", "k3"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCapacityPrefersExpiredEntries(t *testing.T) {
	c, clock := newTestCache(t, 2)
	c.Put("old", result(1), time.Minute)
	c.Put("short", result(2), time.Second)
	_, _ = c.Get("short")

	clock.Advance(2 * time.Second)
	c.Put("new", result(3), time.Minute)

	_, ok := c.Get("old")
	assert.True(t, ok, "live entry survives while an expired one can be dropped")
	_, ok = c.Get("new")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestInvalidateClearSweep(t *testing.T) {
	c, clock := newTestCache(t, 10)
	c.Put("a", result(1), time.Second)
	c.Put("b", result(2), time.Minute)
	c.Put("c", result(3), time.Minute)

	c.Invalidate("c")
	_, ok := c.Get("c")
	assert.False(t, ok)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestReplaceKeepsByteAccounting(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Put("a", result(1), time.Minute)
	before := c.Stats().Bytes
	c.Put("a", result(2), time.Minute)
	assert.Equal(t, before, c.Stats().Bytes)
	assert.Equal(t, 1, c.Len())
}

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(Config{Capacity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestKey(t *testing.T) {
	k1, err := Key("default", "SELECT *  FROM t WHERE id = :id", map[string]any{"id": 1, "b": "x"})
	require.NoError(t, err)
	k2, err := Key("default", "select * from t\nwhere id = :id", map[string]any{"b": "x", "id": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Key("other", "SELECT * FROM t WHERE id = :id", map[string]any{"id": 1, "b": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := Key("default", "SELECT * FROM t WHERE id = :id", map[string]any{"id": 2, "b": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	empty1, _ := Key("default", "SELECT 1", nil)
	empty2, _ := Key("default", "SELECT 1", map[string]any{})
	empty3, _ := Key("default", "SELECT 1", []any{})
	assert.Equal(t, empty1, empty2)
	assert.Equal(t, empty1, empty3)

	_, err = Key("default", "SELECT 1", map[string]any{"f": func() {}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, 16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				k := fmt.Sprintf("k%d", (i+j)%32)
				c.Put(k, result(int64(j)), time.Minute)
				c.Get(k)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
