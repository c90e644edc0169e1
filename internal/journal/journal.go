// Package journal is the append-only activity log. Every state-changing
// operation of a run is recorded here before the change becomes visible, and
// the journal is what startup recovery reads to find runs that never finished.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// ErrPersistence wraps every failure to durably append a record. Callers
// treat it as fatal to the run.
var ErrPersistence = errors.New("journal: persistence failure")

// Store is the durable backing of the journal. storage.Store implements it.
type Store interface {
	AppendActivity(ctx context.Context, rec model.ActivityRecord) error
	ActivityByTrace(ctx context.Context, traceID string) ([]model.ActivityRecord, error)
	OpenTraces(ctx context.Context) ([]string, error)
}

// Journal assigns ids and timestamps and appends records synchronously.
type Journal struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    time.Time

	appends metric.Int64Counter
	failed  metric.Int64Counter
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the clock used for OccurredAt and id timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New creates a Journal over store.
func New(store Store, logger *slog.Logger, opts ...Option) *Journal {
	j := &Journal{store: store, logger: logger, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	j.entropy = ulid.Monotonic(rand.New(rand.NewSource(j.now().UnixNano())), 0) //nolint:gosec // ids need ordering, not secrecy
	meter := telemetry.Meter("michi/journal")
	j.appends, _ = meter.Int64Counter("michi.journal.appends",
		metric.WithDescription("Activity records durably appended"))
	j.failed, _ = meter.Int64Counter("michi.journal.append_failures",
		metric.WithDescription("Activity appends that failed"))
	return j
}

// Append records one event for traceID. It returns once the record is
// durable; any failure wraps ErrPersistence.
func (j *Journal) Append(ctx context.Context, traceID, actor string, kind model.ActivityKind, payload any) (model.ActivityRecord, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return model.ActivityRecord{}, fmt.Errorf("%w: encode %s payload: %v", ErrPersistence, kind, err)
	}

	rec := model.ActivityRecord{
		TraceID: traceID,
		Actor:   actor,
		Kind:    kind,
		Payload: raw,
	}
	rec.ID, rec.OccurredAt = j.nextID()

	if err := j.store.AppendActivity(ctx, rec); err != nil {
		j.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		j.logger.Error("journal append failed", "trace_id", traceID, "kind", kind, "error", err)
		return model.ActivityRecord{}, fmt.Errorf("%w: %s: %w", ErrPersistence, kind, err)
	}
	j.appends.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	return rec, nil
}

// QueryByTrace returns every record of traceID in append order.
func (j *Journal) QueryByTrace(ctx context.Context, traceID string) ([]model.ActivityRecord, error) {
	recs, err := j.store.ActivityByTrace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("journal: query %s: %w", traceID, err)
	}
	return recs, nil
}

// OpenTraces returns traces that started and never recorded a run-level
// terminal record.
func (j *Journal) OpenTraces(ctx context.Context) ([]string, error) {
	ids, err := j.store.OpenTraces(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: open traces: %w", err)
	}
	return ids, nil
}

// nextID returns a ULID that sorts after every id this journal issued before,
// together with the timestamp it encodes.
func (j *Journal) nextID() (string, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now().UTC().Truncate(time.Millisecond)
	if now.Before(j.last) {
		now = j.last
	}
	j.last = now
	id := ulid.MustNew(ulid.Timestamp(now), j.entropy)
	return id.String(), now
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
