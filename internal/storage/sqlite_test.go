package storage_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/testutil"
)

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storage.Store {
		return testutil.NewSQLiteStore(t)
	})
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "michi.db")

	first, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	first.Close(ctx)

	second, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer second.Close(ctx)
	assert.Equal(t, storage.BackendSQLite, second.Backend())
	assert.NoError(t, second.Ping(ctx))
}

func TestSQLiteActivityIsImmutable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "michi.db")
	s, err := storage.OpenSQLite(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.AppendActivity(ctx, model.ActivityRecord{
		ID: "01", TraceID: "t1", Actor: "orchestrator", Kind: model.KindRunStarted, OccurredAt: time.Now(),
	}))

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	_, err = raw.ExecContext(ctx, `DELETE FROM activity`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
	_, err = raw.ExecContext(ctx, `UPDATE activity SET actor = 'x'`)
	assert.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Config{Backend: "mongo"}, testutil.TestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}
