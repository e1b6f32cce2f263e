package ident

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	require.NoError(t, err)
	assert.Equal(t, Address("0xabcdef0123456789abcdef0123456789abcdef01"), a)

	again, err := ParseAddress(" " + strings.ToUpper(a.String()[2:]) + " ")
	assert.ErrorIs(t, err, ErrInvalidAddress, "missing prefix")
	assert.True(t, again.IsZero())

	for _, bad := range []string{"", "0x", "0x1234", "0xzz" + strings.Repeat("0", 38), strings.Repeat("a", 42)} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestParseTranscriptID(t *testing.T) {
	raw := "0x" + strings.Repeat("AB", 32)
	id, err := ParseTranscriptID(raw)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(raw), id.String())
	assert.Len(t, id.Bytes(), TranscriptIDLength)

	_, err = ParseTranscriptID("0x" + strings.Repeat("ab", 31))
	assert.ErrorIs(t, err, ErrInvalidTranscriptID)
}

func TestDeriveTranscriptID(t *testing.T) {
	t.Run("Empty is random", func(t *testing.T) {
		a, err := DeriveTranscriptID("")
		require.NoError(t, err)
		b, err := DeriveTranscriptID("  ")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		_, err = ParseTranscriptID(a.String())
		assert.NoError(t, err)
	})

	t.Run("Canonical passes through", func(t *testing.T) {
		raw := "0x" + strings.Repeat("0f", 32)
		id, err := DeriveTranscriptID(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, id.String())
	})

	t.Run("Free text is hashed", func(t *testing.T) {
		id, err := DeriveTranscriptID("BSc-2024-0042")
		require.NoError(t, err)
		want := "0x" + hex.EncodeToString(util.Keccak256([]byte("BSc-2024-0042")))
		assert.Equal(t, want, id.String())

		again, err := DeriveTranscriptID("BSc-2024-0042")
		require.NoError(t, err)
		assert.Equal(t, id, again)
	})
}

func TestMustPanics(t *testing.T) {
	assert.Panics(t, func() { MustAddress("nope") })
	assert.Panics(t, func() { MustTranscriptID("nope") })
	assert.Panics(t, func() { _ = TranscriptID("0x12").Bytes() })
}
