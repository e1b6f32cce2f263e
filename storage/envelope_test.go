package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

func TestSealedRecord(t *testing.T) {
	key, err := util.NewAESKey()
	require.NoError(t, err)
	aad := []byte("context")

	env, err := SealRecord(key, []byte("top secret"), aad, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)
	assert.Equal(t, uint64(7), env.Version)

	plain, err := OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.Equal(t, "top secret", string(plain))

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("wrong context"))
		assert.ErrorIs(t, err, util.ErrGCMOpen)
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.NewAESKey()
		_, err := OpenRecord(wrongKey, env, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		_, err := OpenRecord(key, &badEnv, aad)
		assert.Error(t, err)
	})

	t.Run("PlainIsNotSealed", func(t *testing.T) {
		plainEnv, err := PlainRecord(map[string]string{"a": "b"}, 0)
		require.NoError(t, err)
		_, err = OpenRecord(key, plainEnv, aad)
		assert.Error(t, err)
	})
}

func TestPlainRecord(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	env, err := PlainRecord(rec{Name: "x", N: 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, SchemePlainJSON, env.Scheme)
	assert.Equal(t, uint64(2), env.Version)

	var got rec
	require.NoError(t, DecodePlain(env, &got))
	assert.Equal(t, rec{Name: "x", N: 3}, got)

	env.Scheme = SchemeAESGCM
	assert.Error(t, DecodePlain(env, &got))
}
