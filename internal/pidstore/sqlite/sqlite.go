package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/nodewarden/internal/pidstore"
)

// DB implements pidstore.Store for SQLite (modernc.org/sqlite driver, CGO-free).
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
	// a single connection keeps ":memory:" databases coherent
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS daemon_pid(
			kind TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			start_unix INTEGER NOT NULL DEFAULT 0,
			session TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Load(ctx context.Context) (pidstore.Record, bool, error) {
	var r pidstore.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, pid, start_unix, session, updated_at
		FROM daemon_pid
		WHERE kind=?;`, pidstore.KindDaemon).
		Scan(&r.Kind, &r.PID, &r.StartUnix, &r.Session, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pidstore.Record{}, false, nil
	}
	if err != nil {
		return pidstore.Record{}, false, err
	}
	return r, true, nil
}

func (s *DB) Save(ctx context.Context, rec pidstore.Record) error {
	rec.Kind = pidstore.KindDaemon
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_pid(kind, pid, start_unix, session, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			pid=excluded.pid,
			start_unix=excluded.start_unix,
			session=excluded.session,
			updated_at=excluded.updated_at;`,
		rec.Kind, rec.PID, rec.StartUnix, rec.Session, rec.UpdatedAt)
	return err
}

func (s *DB) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM daemon_pid WHERE kind=?;`, pidstore.KindDaemon)
	return err
}

// count is used by tests to assert the single-record invariant.
func (s *DB) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daemon_pid;`).Scan(&n)
	return n, err
}
