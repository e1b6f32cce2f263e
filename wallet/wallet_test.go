package wallet

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/ident"
)

var (
	student = ident.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	other   = ident.MustAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type keyGenerator interface {
	Agent
	Generate(addr ident.Address) (string, error)
}

func agents() map[string]func() keyGenerator {
	return map[string]func() keyGenerator{
		"memory":  func() keyGenerator { return NewMemoryAgent() },
		"keyring": func() keyGenerator { return NewKeyringAgent(keyring.NewArrayKeyring(nil)) },
	}
}

func sealFor(t *testing.T, pub string, msg []byte) envelope.WrappedKey {
	t.Helper()
	raw, err := crypto.DecodePublicKey(pub)
	require.NoError(t, err)
	wk, err := crypto.Seal(msg, raw)
	require.NoError(t, err)
	return wk
}

func TestAgents(t *testing.T) {
	for name, newAgent := range agents() {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			a := newAgent()

			pub, err := a.Generate(student)
			require.NoError(t, err)
			got, err := a.PublicKey(ctx, student)
			require.NoError(t, err)
			assert.Equal(t, pub, got)

			wk := sealFor(t, pub, []byte("content key"))
			hexForm, err := wk.Hex()
			require.NoError(t, err)
			jsonForm, err := wk.MarshalStructured()
			require.NoError(t, err)

			for _, form := range []string{hexForm, jsonForm} {
				plain, err := a.Unseal(ctx, student, form)
				require.NoError(t, err)
				assert.Equal(t, []byte("content key"), plain)
			}

			_, err = a.Unseal(ctx, other, hexForm)
			assert.ErrorIs(t, err, ErrUnknownAddress)
			_, err = a.PublicKey(ctx, other)
			assert.ErrorIs(t, err, ErrUnknownAddress)

			otherPub, err := a.Generate(other)
			require.NoError(t, err)
			assert.NotEqual(t, pub, otherPub)
			_, err = a.Unseal(ctx, other, hexForm)
			assert.ErrorIs(t, err, crypto.ErrAuthenticationFailure)

			_, err = a.Unseal(ctx, student, "0x1234")
			assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
		})
	}
}

func TestKeyringAgentAddresses(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: "unrelated", Data: []byte("x")}})
	a := NewKeyringAgent(ring)
	_, err := a.Generate(student)
	require.NoError(t, err)

	addrs, err := a.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []ident.Address{student}, addrs)
}

func TestKeyringAgentSetRejectsBadKey(t *testing.T) {
	a := NewKeyringAgent(keyring.NewArrayKeyring(nil))
	assert.ErrorIs(t, a.Set(student, []byte("short")), crypto.ErrInvalidKey)
}

func TestMemoryAgentAddWipesPrivateKey(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a := NewMemoryAgent()
	a.Add(student, &kp)
	assert.Equal(t, [crypto.KeySize]byte{}, kp.Private)

	pub, err := a.PublicKey(t.Context(), student)
	require.NoError(t, err)
	assert.Equal(t, crypto.EncodePublicKey(kp.Public), pub)
}

func TestKeyringAgentKeepsStoredKeyAcrossReads(t *testing.T) {
	ctx := t.Context()
	ring := keyring.NewArrayKeyring(nil)
	a := NewKeyringAgent(ring)

	pub, err := a.Generate(student)
	require.NoError(t, err)
	stored, err := ring.Get(itemKey(student))
	require.NoError(t, err)
	want := append([]byte(nil), stored.Data...)

	wk := sealFor(t, pub, []byte("content key"))
	hexForm, err := wk.Hex()
	require.NoError(t, err)
	for range 3 {
		got, err := a.PublicKey(ctx, student)
		require.NoError(t, err)
		assert.Equal(t, pub, got)
		plain, err := a.Unseal(ctx, student, hexForm)
		require.NoError(t, err)
		assert.Equal(t, []byte("content key"), plain)
	}

	stored, err = ring.Get(itemKey(student))
	require.NoError(t, err)
	assert.Equal(t, want, stored.Data)
}
