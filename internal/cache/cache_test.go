package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T, c *clock) *Store {
	t.Helper()
	tmp := t.TempDir()
	var opts []Option
	if c != nil {
		opts = append(opts, WithClock(c.Now))
	}
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"), opts...)
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := openTestStore(t, c)

	if err := store.Set("symbol:1:0xf0", []byte("NPM"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res, err := store.Get("symbol:1:0xf0", 5*time.Minute)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale || string(res.Value) != "NPM" {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	c.advance(2 * time.Minute)
	res, err = store.Get("symbol:1:0xf0", 5*time.Minute)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}
	if res.Age != 2*time.Minute {
		t.Fatalf("unexpected age %s", res.Age)
	}

	c.advance(10 * time.Minute)
	res, err = store.Get("symbol:1:0xf0", 5*time.Minute)
	if err != nil {
		t.Fatalf("Get too stale failed: %v", err)
	}
	if !res.TooStale {
		t.Fatalf("expected too stale, got %+v", res)
	}
}

func TestCacheMissAndDelete(t *testing.T) {
	store := openTestStore(t, nil)

	res, err := store.Get("missing", time.Minute)
	if err != nil || res.Hit {
		t.Fatalf("expected miss, got %+v err=%v", res, err)
	}
	if err := store.Set("k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if res, _ := store.Get("k", time.Minute); res.Hit {
		t.Fatal("expected deleted entry to miss")
	}
}

func TestCachePruneKeepsGraceWindow(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := openTestStore(t, c)
	if err := store.Set("k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	c.advance(3 * time.Minute)

	if err := store.Prune(time.Hour); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get("k", -1); !res.Hit {
		t.Fatal("expected entry inside grace window to survive")
	}
	if err := store.Prune(0); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get("k", -1); res.Hit {
		t.Fatal("expected expired entry to be pruned")
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("symbol:%d:%d", workerID, i)
				if err := store.Set(key, []byte("NPM"), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
