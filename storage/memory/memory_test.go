package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/storage"
	"github.com/abdoulaahmad/transcrypt2/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository { return NewRepository() })
}

func TestMemoryRepositoryClones(t *testing.T) {
	repo := NewRepository()
	ctx := t.Context()
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAESGCM, Nonce: []byte("nonce1234567"), Ciphertext: []byte("ciphertext")}
	require.NoError(t, repo.Put(ctx, "ns", "t", "id", env))

	env.Nonce[0] = 'Y'
	got, err := repo.Get(ctx, "ns", "t", "id")
	require.NoError(t, err)
	assert.Equal(t, byte('n'), got.Nonce[0])

	got.Nonce[0] = 'X'
	again, err := repo.Get(ctx, "ns", "t", "id")
	require.NoError(t, err)
	assert.Equal(t, byte('n'), again.Nonce[0])
}

func TestMemoryRepositoryHonoursContext(t *testing.T) {
	repo := NewRepository()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := repo.Get(ctx, "ns", "t", "id")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, repo.Batch(ctx, "ns", func(storage.BatchTx) error { return nil }), context.Canceled)
}
