package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/migrations"
)

// SQLite is the single-file Store. All access goes through one connection, so
// SQLite's own locking makes every statement atomic with respect to the others.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := runSQLiteMigrations(ctx, db, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path, logger: logger}, nil
}

// Backend implements Store.
func (s *SQLite) Backend() string { return BackendSQLite }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Store.
func (s *SQLite) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

// AcquireLease implements Store.
func (s *SQLite) AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error) {
	for range acquireAttempts {
		lease := model.Lease{FilePath: path}
		var exp int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO leases (file_path, agent_id, expires_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (file_path) DO UPDATE
			     SET agent_id = excluded.agent_id, expires_at = excluded.expires_at
			     WHERE leases.expires_at <= ? OR leases.agent_id = excluded.agent_id
			 RETURNING agent_id, expires_at`,
			path, holder, expiresAt.UnixMilli(), now.UnixMilli(),
		).Scan(&lease.Holder, &exp)
		if err == nil {
			lease.ExpiresAt = time.UnixMilli(exp).UTC()
			return lease, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Lease{}, false, fmt.Errorf("storage: acquire lease: %w", err)
		}

		current, err := s.GetLease(ctx, path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Lease{}, false, err
		}
		return current, false, nil
	}
	return model.Lease{}, false, fmt.Errorf("storage: acquire lease: lease on %s changed hands during acquire", path)
}

// ReleaseLease implements Store.
func (s *SQLite) ReleaseLease(ctx context.Context, path, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE file_path = ? AND agent_id = ?`, path, holder)
	if err != nil {
		return false, fmt.Errorf("storage: release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: release lease: %w", err)
	}
	return n == 1, nil
}

// GetLease implements Store.
func (s *SQLite) GetLease(ctx context.Context, path string) (model.Lease, error) {
	l := model.Lease{FilePath: path}
	var exp int64
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, expires_at FROM leases WHERE file_path = ?`, path,
	).Scan(&l.Holder, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lease{}, ErrNotFound
	}
	if err != nil {
		return model.Lease{}, fmt.Errorf("storage: get lease: %w", err)
	}
	l.ExpiresAt = time.UnixMilli(exp).UTC()
	return l, nil
}

// ListLeases implements Store.
func (s *SQLite) ListLeases(ctx context.Context) ([]model.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, agent_id, expires_at FROM leases ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Lease
	for rows.Next() {
		var (
			l   model.Lease
			exp int64
		)
		if err := rows.Scan(&l.FilePath, &l.Holder, &exp); err != nil {
			return nil, fmt.Errorf("storage: scan lease: %w", err)
		}
		l.ExpiresAt = time.UnixMilli(exp).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// SweepExpiredLeases implements Store.
func (s *SQLite) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("storage: sweep leases: %w", err)
	}
	return res.RowsAffected()
}

// AppendActivity implements Store.
func (s *SQLite) AppendActivity(ctx context.Context, rec model.ActivityRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO activity (id, trace_id, actor, kind, payload, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.TraceID, rec.Actor, string(rec.Kind), string(payload), rec.OccurredAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert activity: %w", err)
	}
	return nil
}

// ActivityByTrace implements Store.
func (s *SQLite) ActivityByTrace(ctx context.Context, traceID string) ([]model.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, actor, kind, payload, occurred_at
		 FROM activity WHERE trace_id = ? ORDER BY id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ActivityRecord
	for rows.Next() {
		var (
			rec      model.ActivityRecord
			kind     string
			payload  string
			occurred int64
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Actor, &kind, &payload, &occurred); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		rec.Kind = model.ActivityKind(kind)
		rec.Payload = []byte(payload)
		rec.OccurredAt = time.UnixMilli(occurred).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenTraces implements Store.
func (s *SQLite) OpenTraces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.trace_id
		 FROM activity st
		 WHERE st.kind = ?
		   AND NOT EXISTS (
		       SELECT 1 FROM activity f
		       WHERE f.trace_id = st.trace_id AND f.kind IN (?, ?)
		   )
		 ORDER BY st.id`,
		string(model.KindRunStarted), string(model.KindRunFinished), string(model.KindRunAborted))
	if err != nil {
		return nil, fmt.Errorf("storage: query open traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan open trace: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
