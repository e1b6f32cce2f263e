package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocator(t *testing.T) {
	// sha256("")
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Locator(nil))
}

func TestParseLocator(t *testing.T) {
	loc := Locator([]byte("blob"))
	digest, err := ParseLocator(strings.ToUpper(loc[:7]) + loc[7:])
	assert.ErrorIs(t, err, ErrInvalidLocator, "prefix is case sensitive")
	assert.Empty(t, digest)

	digest, err = ParseLocator("sha256:" + strings.ToUpper(loc[7:]))
	require.NoError(t, err)
	assert.Equal(t, loc[7:], digest)

	for _, bad := range []string{"", "sha256:", "sha256:zz", "md5:" + loc[7:], loc + "00"} {
		_, err := ParseLocator(bad)
		assert.ErrorIs(t, err, ErrInvalidLocator, bad)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := t.Context()
	s := NewMemoryStore()

	data := []byte("ciphertext")
	loc, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Locator(data), loc)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, loc, again)

	data[0] = 'X'
	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got, "store keeps its own copy")

	_, err = s.Get(ctx, Locator([]byte("other")))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "ipfs://nope")
	assert.ErrorIs(t, err, ErrInvalidLocator)
}

func TestVerify(t *testing.T) {
	loc := Locator([]byte("a"))
	assert.NoError(t, Verify(loc[7:], []byte("a")))
	assert.ErrorIs(t, Verify(loc[7:], []byte("b")), ErrIntegrity)
}
