// Package storagetest is a conformance suite run against every
// storage.Repository backend.
package storagetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/storage"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{"a":1}`), Version: 1}

	t.Run("PutGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ns", "type1", "id1", env))

		got, err := repo.Get(ctx, "ns", "type1", "id1")
		require.NoError(t, err)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Version, got.Version)

		_, err = repo.Get(ctx, "ns", "type1", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "other-ns", "type1", "id1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListIsSortedAndScoped", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Put(ctx, "ns", "type1", id, env))
		}
		require.NoError(t, repo.Put(ctx, "ns", "type2", "z", env))
		require.NoError(t, repo.Put(ctx, "ns2", "type1", "y", env))

		ids, err := repo.List(ctx, "ns", "type1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		ids, err = repo.List(ctx, "nonexistent", "type1")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ns", "t", "id", env))
		require.NoError(t, repo.Delete(ctx, "ns", "t", "id"))
		_, err := repo.Get(ctx, "ns", "t", "id")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "ns", "t", "id"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		env1 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Version: 1}
		env2 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Version: 2}

		require.NoError(t, repo.PutCAS(ctx, "ns", "t", "id", 0, env1))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "t", "id", 0, env1), storage.ErrCASFailed, "create-only on existing record")
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "t", "other", 1, env1), storage.ErrCASFailed, "update of missing record")
		require.NoError(t, repo.PutCAS(ctx, "ns", "t", "id", 1, env2))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns", "t", "id", 1, env1), storage.ErrCASFailed, "stale version")

		got, err := repo.Get(ctx, "ns", "t", "id")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommits", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ns", "t", "gone", env))

		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("t", "id1", env); err != nil {
				return err
			}
			got, err := tx.Get("t", "id1")
			if err != nil {
				return err
			}
			if got.Version != env.Version {
				return fmt.Errorf("read-your-writes: got version %d", got.Version)
			}
			if err := tx.Delete("t", "gone"); err != nil {
				return err
			}
			return tx.PutCAS("t", "id2", 0, env)
		})
		require.NoError(t, err)

		ids, err := repo.List(ctx, "ns", "t")
		require.NoError(t, err)
		assert.Equal(t, []string{"id1", "id2"}, ids)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.Put(ctx, "ns", "t", "id1", env))

		boom := errors.New("simulated error")
		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("t", "id2", env); err != nil {
				return err
			}
			if err := tx.Put("t", "id1", &storage.Envelope{Ver: 2, Scheme: storage.SchemePlainJSON, Version: 9}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "ns", "t", "id2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		got, err := repo.Get(ctx, "ns", "t", "id1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("BatchCASFailureAborts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := t.Context()
		require.NoError(t, repo.PutCAS(ctx, "ns", "t", "flag", 0, env))

		err := repo.Batch(ctx, "ns", func(tx storage.BatchTx) error {
			if err := tx.Put("t", "side-effect", env); err != nil {
				return err
			}
			return tx.PutCAS("t", "flag", 0, env)
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get(ctx, "ns", "t", "side-effect")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
