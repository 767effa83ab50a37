package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/botvisor/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			directory TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			auto_restart BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			start_time TIMESTAMP NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Put(ctx context.Context, rec store.Record) error {
	var start sql.NullTime
	if !rec.StartTime.IsZero() {
		start = sql.NullTime{Time: rec.StartTime.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers(id, name, token, directory, status, pid, auto_restart, created_at, start_time, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			token=excluded.token,
			directory=excluded.directory,
			status=excluded.status,
			pid=excluded.pid,
			auto_restart=excluded.auto_restart,
			created_at=excluded.created_at,
			start_time=excluded.start_time,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Name, rec.Token, rec.Directory, string(rec.Status), rec.PID, rec.AutoRestart,
		rec.CreatedAt.UTC(), start, time.Now().UTC())
	return err
}

func (s *DB) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, token, directory, status, pid, auto_restart, created_at, start_time
		FROM workers WHERE id=?;`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func (s *DB) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id=?;`, id)
	return err
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, token, directory, status, pid, auto_restart, created_at, start_time
		FROM workers ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (store.Record, error) {
	var rec store.Record
	var status string
	var start sql.NullTime
	if err := r.Scan(&rec.ID, &rec.Name, &rec.Token, &rec.Directory, &status, &rec.PID, &rec.AutoRestart, &rec.CreatedAt, &start); err != nil {
		return store.Record{}, err
	}
	rec.Status = store.Status(status)
	if start.Valid {
		rec.StartTime = start.Time
	}
	return rec, nil
}
