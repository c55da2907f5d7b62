package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/mohans/sqlgate/domain"
)

func TestStore_Get_NotFound(t *testing.T) {
	stores(t, 0, func(t *testing.T, store Store) {
		if rec, err := store.Get(context.Background(), "missing"); domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("expected not_found, got rec=%#v err=%v", rec, err)
		}
		if err := store.MarkStarted(context.Background(), "missing", time.Now()); domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("expected not_found from MarkStarted, got %v", err)
		}
	})
}

func TestSQLStore_MaxCompleted(t *testing.T) {
	store := openTestStore(t, "jobs_max", 2)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Insert(ctx, newJob(id, base)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := store.MarkCompleted(ctx, id, nil, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}
	n, err := store.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 pruned by count, got %d", n)
	}
	if _, err := store.Get(ctx, "a"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("oldest completion should be pruned, err=%v", err)
	}
}

func TestSQLStore_FailInterrupted(t *testing.T) {
	store := openTestStore(t, "jobs_interrupted", 0)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"p", "r", "done"} {
		if err := store.Insert(ctx, newJob(id, now)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := store.MarkStarted(ctx, "r", now); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := store.MarkCompleted(ctx, "done", nil, now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	n, err := store.FailInterrupted(ctx, now)
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 interrupted, got %d", n)
	}
	got, err := store.Get(ctx, "r")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error == nil || got.Error.Kind != domain.KindUnavailable {
		t.Fatalf("unexpected job: %#v", got)
	}
	done, _ := store.Get(ctx, "done")
	if done.Status != StatusSucceeded {
		t.Fatalf("terminal job changed: %#v", done)
	}
}

func TestRebind(t *testing.T) {
	got := rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`
	if got != want {
		t.Fatalf("rebind: want %q got %q", want, got)
	}
}
