// Package archive stores finished run results as JSON objects in a blob
// bucket (file://, mem:// or s3://).
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ashita-ai/michi/internal/model"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "runs/"

// ErrNotFound is returned by Get when no archived result exists.
var ErrNotFound = errors.New("archive: not found")

// Bucket archives run results.
type Bucket struct {
	bucket *blob.Bucket
	prefix string
	logger *slog.Logger
}

// Open opens the bucket at url. Keys are written under prefix.
func Open(ctx context.Context, url, prefix string, logger *slog.Logger) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", url, err)
	}
	return New(b, prefix, logger), nil
}

// New wraps an already opened bucket.
func New(b *blob.Bucket, prefix string, logger *slog.Logger) *Bucket {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Bucket{bucket: b, prefix: prefix, logger: logger}
}

// Key returns the object key for a trace.
func (b *Bucket) Key(traceID string) string {
	return b.prefix + traceID + ".json"
}

// Archive writes res, replacing any earlier copy.
func (b *Bucket) Archive(ctx context.Context, res model.RunResult) error {
	if res.TraceID == "" {
		return errors.New("archive: result has no trace id")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", res.TraceID, err)
	}
	if err := b.bucket.WriteAll(ctx, b.Key(res.TraceID), data, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("archive: write %s: %w", res.TraceID, err)
	}
	b.logger.Debug("run archived", "trace_id", res.TraceID, "bytes", len(data))
	return nil
}

// Get reads the archived result of a trace.
func (b *Bucket) Get(ctx context.Context, traceID string) (model.RunResult, error) {
	data, err := b.bucket.ReadAll(ctx, b.Key(traceID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return model.RunResult{}, ErrNotFound
		}
		return model.RunResult{}, fmt.Errorf("archive: read %s: %w", traceID, err)
	}
	var res model.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return model.RunResult{}, fmt.Errorf("archive: decode %s: %w", traceID, err)
	}
	return res, nil
}

// Close closes the underlying bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}
