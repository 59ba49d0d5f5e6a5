package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type doc struct {
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d *doc) SetVersion(v time.Time) { d.UpdatedAt = v }

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:")
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisTestStore(t),
	}
}

func TestStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := Insert(ctx, s, "restaurants/r1/tables/t1", &doc{Name: "A1"})
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			if created.UpdatedAt.IsZero() {
				t.Fatalf("expected version to be stamped")
			}

			if _, err := Insert(ctx, s, "restaurants/r1/tables/t1", &doc{Name: "dup"}); !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("expected ErrAlreadyExists, got %v", err)
			}

			loaded, version, err := Load[doc](ctx, s, "restaurants/r1/tables/t1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Name != "A1" || !version.Equal(created.UpdatedAt) || !loaded.UpdatedAt.Equal(version) {
				t.Fatalf("unexpected load: %+v version=%s", loaded, version)
			}

			v0 := version
			updated, err := Modify(ctx, s, "restaurants/r1/tables/t1", &v0, func(d *doc) error {
				d.Count = 2
				return nil
			})
			if err != nil {
				t.Fatalf("modify: %v", err)
			}
			if !updated.UpdatedAt.After(v0) {
				t.Fatalf("expected version to advance: %s <= %s", updated.UpdatedAt, v0)
			}

			_, err = Modify(ctx, s, "restaurants/r1/tables/t1", &v0, func(d *doc) error {
				d.Count = 99
				return nil
			})
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected ConflictError, got %v", err)
			}
			if !conflict.Current.Equal(updated.UpdatedAt) {
				t.Fatalf("conflict current=%s want %s", conflict.Current, updated.UpdatedAt)
			}

			after, _, err := Load[doc](ctx, s, "restaurants/r1/tables/t1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if after.Count != 2 {
				t.Fatalf("stale write was applied: count=%d", after.Count)
			}
		})
	}
}

func TestStore_UnconditionalUpdateAndMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := Load[doc](ctx, s, "pendingOrders/nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := Modify(ctx, s, "pendingOrders/nope", nil, func(*doc) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on update, got %v", err)
			}

			if _, err := Insert(ctx, s, "pendingOrders/p1", &doc{Name: "x"}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			if _, err := Modify(ctx, s, "pendingOrders/p1", nil, func(d *doc) error {
				d.Count++
				return nil
			}); err != nil {
				t.Fatalf("unconditional modify: %v", err)
			}
		})
	}
}

func TestStore_MutatorErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := Insert(ctx, s, "a/b", &doc{Name: "keep"})
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			_, err = Modify(ctx, s, "a/b", nil, func(d *doc) error {
				d.Name = "changed"
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected mutator error, got %v", err)
			}
			loaded, version, err := Load[doc](ctx, s, "a/b")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Name != "keep" || !version.Equal(created.UpdatedAt) {
				t.Fatalf("record changed after failed mutate: %+v", loaded)
			}
		})
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []string{
				"restaurants/r1/tables/t1",
				"restaurants/r1/tables/t2",
				"restaurants/r2/tables/t3",
			} {
				if _, err := Insert(ctx, s, p, &doc{Name: p}); err != nil {
					t.Fatalf("insert %s: %v", p, err)
				}
			}

			docs, err := LoadAll[doc](ctx, s, "restaurants/r1/tables")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(docs) != 2 {
				t.Fatalf("expected 2 children, got %d", len(docs))
			}

			if err := s.Delete(ctx, "restaurants/r1/tables/t1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.Delete(ctx, "restaurants/r1/tables/t1"); err != nil {
				t.Fatalf("second delete should be a no-op: %v", err)
			}

			recs, err := s.List(ctx, "restaurants/r1/tables")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 1 || recs[0].Path != "restaurants/r1/tables/t2" {
				t.Fatalf("unexpected list after delete: %+v", recs)
			}

			empty, err := s.List(ctx, "restaurants/r9/tables")
			if err != nil {
				t.Fatalf("list empty: %v", err)
			}
			if len(empty) != 0 {
				t.Fatalf("expected empty list, got %d", len(empty))
			}
		})
	}
}

func TestStore_ConcurrentConditionalUpdates_OneWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			created, err := Insert(ctx, s, "restaurants/r1/tables/t1", &doc{Name: "A1"})
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			v0 := created.UpdatedAt

			const writers = 10
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				ok        int
				conflicts int
			)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					expected := v0
					_, err := Modify(ctx, s, "restaurants/r1/tables/t1", &expected, func(d *doc) error {
						d.Count = i
						return nil
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, ErrConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if ok != 1 || conflicts != writers-1 {
				t.Fatalf("expected exactly one winner, got ok=%d conflicts=%d", ok, conflicts)
			}
		})
	}
}

func TestNextVersion_StrictlyIncreasing(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := now
	got := nextVersion(prev, now)
	if !got.After(prev) {
		t.Fatalf("expected %s after %s", got, prev)
	}
	earlier := now.Add(-time.Second)
	if got := nextVersion(prev, earlier); !got.After(prev) {
		t.Fatalf("clock skew must not move versions backwards: %s", got)
	}
	later := now.Add(time.Second)
	if got := nextVersion(prev, later); !got.Equal(later) {
		t.Fatalf("expected %s, got %s", later, got)
	}
}

func TestMemoryStore_FrozenClockStillAdvances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return frozen }

	first, err := Insert(ctx, s, "x/y", &doc{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := Modify(ctx, s, "x/y", nil, func(*doc) error { return nil })
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected version to advance under frozen clock")
	}
}
