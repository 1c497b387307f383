// Package cache keeps token metadata (symbols, decimals) between runs in a
// small sqlite table. Entries carry a TTL; expired entries are still
// returned, flagged stale, so a caller can decide whether to re-read.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	lockWait  = 5 * time.Second
	lockRetry = 50 * time.Millisecond
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

type Option func(*Store)

// WithClock overrides the time source used for ages and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(path, lockPath string, opts ...Option) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value BLOB NOT NULL, stored_at INTEGER NOT NULL, expires_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	_ = store.Prune(0)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries that expired more than grace ago.
func (s *Store) Prune(grace time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-grace).Unix()
	if _, err := s.db.Exec("DELETE FROM metadata WHERE expires_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get looks key up. A negative maxStale never marks an entry too stale.
func (s *Store) Get(key string, maxStale time.Duration) (Result, error) {
	var (
		value               []byte
		storedAt, expiresAt int64
	)
	err := s.db.QueryRow("SELECT value, stored_at, expires_at FROM metadata WHERE key = ?", key).Scan(&value, &storedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	now := s.now().UTC()
	age := max(now.Sub(time.Unix(storedAt, 0)), 0)
	overdue := now.Sub(time.Unix(expiresAt, 0))
	stale := overdue > 0
	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && overdue > maxStale,
	}, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if ttl < time.Second {
		ttl = time.Second
	}
	now := s.now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO metadata (key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			stored_at=excluded.stored_at,
			expires_at=excluded.expires_at
	`, key, value, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := s.db.Exec("DELETE FROM metadata WHERE key = ?", key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *Store) acquire() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return nil, clierr.Wrap(clierr.CodeBusy, "lock metadata cache", err)
	}
	return func() { _ = s.lock.Unlock() }, nil
}
