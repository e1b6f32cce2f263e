package postgres

import (
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/storage"
	"github.com/abdoulaahmad/transcrypt2/storage/storagetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TRANSCRYPT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRANSCRYPT_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := t.Context()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	clean := func() {
		pool.Exec(t.Context(), "DELETE FROM records")           //nolint:errcheck
		pool.Exec(t.Context(), "DELETE FROM index_checkpoints") //nolint:errcheck
	}
	clean()
	t.Cleanup(func() {
		clean()
		pool.Close()
	})
	return pool
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return NewRepository(newTestPool(t))
	})
}

func TestPostgresCheckpoints(t *testing.T) {
	pool := newTestPool(t)
	ctx := t.Context()

	c, err := NewCheckpoints(ctx, pool)
	require.NoError(t, err)
	assert.Zero(t, c.LastApplied(index.DefaultConsumer))

	require.NoError(t, c.SetLastApplied(ctx, index.DefaultConsumer, 10))
	require.NoError(t, c.SetLastApplied(ctx, index.DefaultConsumer, 12))
	assert.ErrorIs(t, c.SetLastApplied(ctx, index.DefaultConsumer, 11), index.ErrCheckpointRollback)

	reloaded, err := NewCheckpoints(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), reloaded.LastApplied(index.DefaultConsumer))
}
