package pidstore

import (
	"context"
	"time"
)

// KindDaemon is the reserved kind of the single daemon record.
const KindDaemon = "daemon"

// Record is the persisted PID of the most recently spawned daemon. It reflects
// what this application last started, not necessarily a live process.
// StartUnix is the process start time (0 when unknown) and is used to avoid
// killing a reused PID. Session identifies the supervisor run that wrote it.
type Record struct {
	Kind      string
	PID       int
	StartUnix int64
	Session   string
	UpdatedAt time.Time
}

// Store persists at most one Record per kind. Save is an upsert on Kind.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
	Close() error
}
