package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botvisor/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			directory TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			auto_restart BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			start_time TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Put(ctx context.Context, rec store.Record) error {
	var start sql.NullTime
	if !rec.StartTime.IsZero() {
		start = sql.NullTime{Time: rec.StartTime.UTC(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workers(id, name, token, directory, status, pid, auto_restart, created_at, start_time, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			token=EXCLUDED.token,
			directory=EXCLUDED.directory,
			status=EXCLUDED.status,
			pid=EXCLUDED.pid,
			auto_restart=EXCLUDED.auto_restart,
			created_at=EXCLUDED.created_at,
			start_time=EXCLUDED.start_time,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, rec.Name, rec.Token, rec.Directory, string(rec.Status), rec.PID, rec.AutoRestart,
		rec.CreatedAt.UTC(), start, time.Now().UTC())
	return err
}

func (p *DB) Get(ctx context.Context, id string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, token, directory, status, pid, auto_restart, created_at, start_time
		FROM workers WHERE id=$1;`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func (p *DB) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM workers WHERE id=$1;`, id)
	return err
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func scan(r interface{ Scan(dest ...any) error }) (store.Record, error) {
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
