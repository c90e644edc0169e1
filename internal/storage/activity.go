package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/michi/internal/model"
)

// AppendActivity implements Store. The row is committed when Exec returns.
func (db *DB) AppendActivity(ctx context.Context, rec model.ActivityRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO activity (id, trace_id, actor, kind, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		rec.ID, rec.TraceID, rec.Actor, string(rec.Kind), string(payload), rec.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert activity: %w", err)
	}
	return nil
}

// ActivityByTrace implements Store.
func (db *DB) ActivityByTrace(ctx context.Context, traceID string) ([]model.ActivityRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, actor, kind, payload::text, occurred_at
		 FROM activity WHERE trace_id = $1 ORDER BY id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: query activity: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityRecord
	for rows.Next() {
		var (
			rec     model.ActivityRecord
			kind    string
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Actor, &kind, &payload, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan activity: %w", err)
		}
		rec.Kind = model.ActivityKind(kind)
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenTraces implements Store.
func (db *DB) OpenTraces(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.trace_id
		 FROM activity s
		 WHERE s.kind = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM activity f
		       WHERE f.trace_id = s.trace_id AND f.kind IN ($2, $3)
		   )
		 ORDER BY s.id`,
		string(model.KindRunStarted), string(model.KindRunFinished), string(model.KindRunAborted))
	if err != nil {
		return nil, fmt.Errorf("storage: query open traces: %w", err)
	}
	defer rows.Close()

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
