package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/nodewarden/internal/pidstore"
)

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
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS daemon_pid(
			kind TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			start_unix BIGINT NOT NULL DEFAULT 0,
			session TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Load(ctx context.Context) (pidstore.Record, bool, error) {
	var r pidstore.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT kind, pid, start_unix, session, updated_at
		FROM daemon_pid
		WHERE kind=$1;`, pidstore.KindDaemon).
		Scan(&r.Kind, &r.PID, &r.StartUnix, &r.Session, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pidstore.Record{}, false, nil
	}
	if err != nil {
		return pidstore.Record{}, false, err
	}
	return r, true, nil
}

func (p *DB) Save(ctx context.Context, rec pidstore.Record) error {
	rec.Kind = pidstore.KindDaemon
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daemon_pid(kind, pid, start_unix, session, updated_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT(kind) DO UPDATE SET
			pid=EXCLUDED.pid,
			start_unix=EXCLUDED.start_unix,
			session=EXCLUDED.session,
			updated_at=EXCLUDED.updated_at;`,
		rec.Kind, rec.PID, rec.StartUnix, rec.Session, rec.UpdatedAt)
	return err
}

func (p *DB) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM daemon_pid WHERE kind=$1;`, pidstore.KindDaemon)
	return err
}
