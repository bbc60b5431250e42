package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"capital-router/internal/state"

	_ "modernc.org/sqlite"
)

// Store persists the idempotency cache, ops audit and transition journal.
// The journal is append-only but pruned to a retention cap so long-running
// processes stay bounded.
type Store struct {
	db        *sql.DB
	retention int
}

func New(path string, retention int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if retention <= 0 {
		retention = 10000
	}
	return &Store{db: db, retention: retention}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload TEXT NOT NULL
	)`)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Append(ctx context.Context, event state.Event) error {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (ts, kind, subject, payload) VALUES (?, ?, ?, ?)`,
		ts.UnixNano(), event.Kind, event.Subject, event.Payload,
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM journal WHERE id <= (SELECT MAX(id) FROM journal) - ?`, s.retention)
	return err
}

func (s *Store) Events(ctx context.Context, kind string, limit int) ([]state.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, kind, subject, payload FROM journal WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Event
	for rows.Next() {
		var ts int64
		var ev state.Event
		if err := rows.Scan(&ts, &ev.Kind, &ev.Subject, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
