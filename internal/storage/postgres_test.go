//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/testutil"
)

var pgContainer *testutil.TestContainer

func TestMain(m *testing.M) {
	pgContainer = testutil.MustStartPostgres()
	code := m.Run()
	pgContainer.Terminate()
	os.Exit(code)
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
		require.NoError(t, err)
		_, err = db.Pool().Exec(ctx, `TRUNCATE leases`)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close(ctx) })
		return db
	})
}

func TestPostgresActivityIsImmutable(t *testing.T) {
	ctx := context.Background()
	db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close(ctx)

	_, err = db.Pool().Exec(ctx, `DELETE FROM activity`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := pgContainer.NewTestDB(ctx, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close(ctx)
	require.NoError(t, db.RunMigrations(ctx, nil))
}
