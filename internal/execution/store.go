package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store persists tickets so a pending transaction can be inspected or
// resumed from another process.
type Store struct {
	db          *sql.DB
	lock        *flock.Flock
	lockTimeout time.Duration
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ticket store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ticket lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ticket sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS tickets (
			ticket_id TEXT PRIMARY KEY,
			leg TEXT NOT NULL,
			kind TEXT NOT NULL,
			phase TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			sender TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_tickets_phase_updated ON tickets(phase, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init ticket schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), lockTimeout: 5 * time.Second}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, ticket Ticket) error {
	if strings.TrimSpace(ticket.ID) == "" {
		return fmt.Errorf("save ticket: missing ticket id")
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return clierr.Wrap(clierr.CodeBusy, "lock ticket store", err)
	}
	if !locked {
		return clierr.New(clierr.CodeBusy, "lock ticket store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	now := time.Now().UTC().Unix()
	createdUnix, ok := parseRFC3339Unix(ticket.CreatedAt)
	if !ok {
		createdUnix = now
	}
	updatedUnix, ok := parseRFC3339Unix(ticket.UpdatedAt)
	if !ok {
		updatedUnix = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickets (ticket_id, leg, kind, phase, chain_id, sender, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			phase=excluded.phase,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, ticket.ID, ticket.Leg, ticket.Kind, ticket.Phase, ticket.ChainID, strings.ToLower(ticket.From), createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ticketID string) (Ticket, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM tickets WHERE ticket_id = ?", ticketID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ticket{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("ticket not found: %s", ticketID))
		}
		return Ticket{}, fmt.Errorf("read ticket: %w", err)
	}
	var ticket Ticket
	if err := json.Unmarshal(payload, &ticket); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket payload: %w", err)
	}
	return ticket, nil
}

// List returns tickets newest first, optionally filtered by phase.
func (s *Store) List(ctx context.Context, phase Phase, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(string(phase)) == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM tickets ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM tickets WHERE phase = ? ORDER BY updated_at DESC LIMIT ?", phase, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]Ticket, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		var ticket Ticket
		if err := json.Unmarshal(payload, &ticket); err != nil {
			return nil, fmt.Errorf("decode ticket row: %w", err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticket rows: %w", err)
	}
	return tickets, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
