// Package lease grants exclusive, expiring locks over file paths.
//
// A lease is held by one holder until it is released or its expiry passes.
// Expired leases are reclaimed lazily by the next acquirer and eagerly by
// SweepExpired, which the daemon runs on start and on a cron schedule. The
// Manager never keeps lease state in memory; every decision is made by the
// Backend in a single atomic operation, so several daemons sharing one
// backend observe the same lease table.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// ErrNotHolder is returned by Release when the caller does not hold the lease.
var ErrNotHolder = errors.New("lease: not held by caller")

// Backend is the atomic lease table. storage.Store and RedisStore implement it.
type Backend interface {
	AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error)
	ReleaseLease(ctx context.Context, path, holder string) (bool, error)
	ListLeases(ctx context.Context) ([]model.Lease, error)
	SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// Result is the outcome of an acquire. When Granted is false, Lease describes
// the competing holder and its expiry.
type Result struct {
	Granted bool
	Lease   model.Lease
}

// Manager is the lease service used by the step executor and the daemon.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	conflicts metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used to compute expiries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{backend: backend, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.conflicts, _ = telemetry.Meter("michi/lease").Int64Counter("michi.lease.conflicts",
		metric.WithDescription("Lease acquisitions refused because another holder owns the path"))
	return m
}

// Acquire grants path to holder for ttl when it is free, expired or already
// held by holder (which renews it). Otherwise it reports Busy with the
// current holder.
func (m *Manager) Acquire(ctx context.Context, path, holder string, ttl time.Duration) (Result, error) {
	if path == "" || holder == "" {
		return Result{}, fmt.Errorf("lease: path and holder are required")
	}
	if ttl <= 0 {
		return Result{}, fmt.Errorf("lease: ttl must be positive, got %s", ttl)
	}
	now := m.now()
	l, granted, err := m.backend.AcquireLease(ctx, path, holder, now.Add(ttl), now)
	if err != nil {
		return Result{}, fmt.Errorf("lease: acquire %s: %w", path, err)
	}
	if !granted {
		m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
		m.logger.Debug("lease busy", "path", path, "holder", holder, "current_holder", l.Holder)
	}
	return Result{Granted: granted, Lease: l}, nil
}

// AcquireAll acquires every path for holder in sorted order. It is
// all-or-nothing: on Busy or error every lease taken by this call is released
// before returning. Sorting gives every caller the same acquisition order.
func (m *Manager) AcquireAll(ctx context.Context, paths []string, holder string, ttl time.Duration) (Result, error) {
	sorted := SortedPaths(paths)
	held := make([]string, 0, len(sorted))
	for _, p := range sorted {
		res, err := m.Acquire(ctx, p, holder, ttl)
		if err == nil && res.Granted {
			held = append(held, p)
			continue
		}
		m.ReleaseAll(context.WithoutCancel(ctx), held, holder)
		return res, err
	}
	return Result{Granted: true}, nil
}

// Release deletes the lease on path when holder owns it, and returns
// ErrNotHolder otherwise (including when the lease expired and was taken).
func (m *Manager) Release(ctx context.Context, path, holder string) error {
	ok, err := m.backend.ReleaseLease(ctx, path, holder)
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", path, err)
	}
	if !ok {
		return ErrNotHolder
	}
	return nil
}

// ReleaseAll releases every path held by holder, logging failures.
func (m *Manager) ReleaseAll(ctx context.Context, paths []string, holder string) {
	for _, p := range paths {
		if err := m.Release(ctx, p, holder); err != nil {
			m.logger.Warn("lease release failed", "path", p, "holder", holder, "error", err)
		}
	}
}

// SweepExpired deletes every lease whose expiry has passed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.backend.SweepExpiredLeases(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("lease: sweep: %w", err)
	}
	if n > 0 {
		m.logger.Info("swept expired leases", "count", n)
	}
	return n, nil
}

// List returns every lease row, expired ones included.
func (m *Manager) List(ctx context.Context) ([]model.Lease, error) {
	leases, err := m.backend.ListLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease: list: %w", err)
	}
	return leases, nil
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// SortedPaths returns a sorted, de-duplicated copy of paths.
func SortedPaths(paths []string) []string {
	out := slices.Clone(paths)
	slices.Sort(out)
	return slices.Compact(out)
}
