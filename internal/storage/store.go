// Package storage provides the durable state behind michi: the lease table and
// the activity journal.
//
// Two backends implement Store. DB talks to PostgreSQL through a pgx pool and
// suits several daemons sharing one lease table. SQLite keeps everything in a
// single local file and is the default for a single-host daemon. Both run
// forward-only embedded migrations on open and expose the same atomic
// operations; callers never issue SQL themselves.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/michi/internal/model"
)

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Store is the durable state contract shared by both backends.
type Store interface {
	// AcquireLease atomically grants path to holder until expiresAt when the
	// path is free, expired at now, or already held by holder. It returns the
	// lease as it stands after the call and whether holder now owns it.
	AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error)
	// ReleaseLease deletes the lease on path if holder owns it.
	ReleaseLease(ctx context.Context, path, holder string) (bool, error)
	// GetLease returns the lease row for path, or ErrNotFound.
	GetLease(ctx context.Context, path string) (model.Lease, error)
	// ListLeases returns every lease row ordered by path, expired or not.
	ListLeases(ctx context.Context) ([]model.Lease, error)
	// SweepExpiredLeases deletes leases that expired at or before now.
	SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// AppendActivity durably inserts one journal record.
	AppendActivity(ctx context.Context, rec model.ActivityRecord) error
	// ActivityByTrace returns every record of a trace ordered by id.
	ActivityByTrace(ctx context.Context, traceID string) ([]model.ActivityRecord, error)
	// OpenTraces returns traces that have a run.started record and no
	// run.finished or run.aborted record, oldest first.
	OpenTraces(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Backend() string
	Close(ctx context.Context)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
}

// Open connects to the configured backend and applies its migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendPostgres:
		db, err := New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, nil); err != nil {
			db.Close(ctx)
			return nil, err
		}
		db.RegisterPoolMetrics()
		return db, nil
	case BackendSQLite, "":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
