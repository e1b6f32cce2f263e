package badger

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/content"
)

func TestBadgerStore(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	loc, err := s.Put(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, content.Locator([]byte("ciphertext")), loc)

	_, err = s.Get(ctx, content.Locator([]byte("missing")))
	assert.ErrorIs(t, err, content.ErrNotFound)
	_, err = s.Get(ctx, "not-a-locator")
	assert.ErrorIs(t, err, content.ErrInvalidLocator)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got)
}

func TestBadgerDetectsTampering(t *testing.T) {
	ctx := t.Context()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	loc, err := s.Put(ctx, []byte("ciphertext"))
	require.NoError(t, err)
	digest, err := content.ParseLocator(loc)
	require.NoError(t, err)

	require.NoError(t, s.DB().Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+digest), []byte("tampered"))
	}))
	_, err = s.Get(ctx, loc)
	assert.ErrorIs(t, err, content.ErrIntegrity)
}
