package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// acquireAttempts bounds the upsert/read loop when the holder releases
// between the two statements.
const acquireAttempts = 3

// AcquireLease implements Store. The upsert only overwrites a row that has
// expired or already belongs to holder, so concurrent callers serialize on the
// primary key.
func (db *DB) AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error) {
	var (
		lease   model.Lease
		granted bool
	)
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		for range acquireAttempts {
			lease = model.Lease{FilePath: path}
			err := db.pool.QueryRow(ctx,
				`INSERT INTO leases (file_path, agent_id, expires_at)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (file_path) DO UPDATE
				     SET agent_id = EXCLUDED.agent_id, expires_at = EXCLUDED.expires_at
				     WHERE leases.expires_at <= $4 OR leases.agent_id = EXCLUDED.agent_id
				 RETURNING agent_id, expires_at`,
				path, holder, expiresAt.UTC(), now.UTC(),
			).Scan(&lease.Holder, &lease.ExpiresAt)
			if err == nil {
				granted = true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}

			current, err := db.GetLease(ctx, path)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			lease, granted = current, false
			return nil
		}
		return fmt.Errorf("lease on %s changed hands during acquire", path)
	})
	if err != nil {
		return model.Lease{}, false, fmt.Errorf("storage: acquire lease: %w", err)
	}
	return lease, granted, nil
}

// ReleaseLease implements Store.
func (db *DB) ReleaseLease(ctx context.Context, path, holder string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM leases WHERE file_path = $1 AND agent_id = $2`, path, holder)
	if err != nil {
		return false, fmt.Errorf("storage: release lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLease implements Store.
func (db *DB) GetLease(ctx context.Context, path string) (model.Lease, error) {
	l := model.Lease{FilePath: path}
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, expires_at FROM leases WHERE file_path = $1`, path,
	).Scan(&l.Holder, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lease{}, ErrNotFound
	}
	if err != nil {
		return model.Lease{}, fmt.Errorf("storage: get lease: %w", err)
	}
	return l, nil
}

// ListLeases implements Store.
func (db *DB) ListLeases(ctx context.Context) ([]model.Lease, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT file_path, agent_id, expires_at FROM leases ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("storage: list leases: %w", err)
	}
	defer rows.Close()

	var out []model.Lease
	for rows.Next() {
		var l model.Lease
		if err := rows.Scan(&l.FilePath, &l.Holder, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("storage: scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SweepExpiredLeases implements Store.
func (db *DB) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM leases WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: sweep leases: %w", err)
	}
	return tag.RowsAffected(), nil
}
