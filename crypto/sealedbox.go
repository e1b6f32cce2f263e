package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

// Seal encrypts plaintext to recipientPub with a fresh ephemeral key pair.
func Seal(plaintext []byte, recipientPub [KeySize]byte) (envelope.WrappedKey, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return envelope.WrappedKey{}, fmt.Errorf("generating ephemeral key: %w", err)
	}
	defer util.WipeBytes(ephPriv[:])

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return envelope.WrappedKey{}, fmt.Errorf("generating nonce: %w", err)
	}

	ct := box.Seal(nil, plaintext, &nonce, &recipientPub, ephPriv)
	return envelope.WrappedKey{
		Version:        envelope.VersionX25519,
		EphemPublicKey: util.CopyBytes(ephPub[:]),
		Nonce:          util.CopyBytes(nonce[:]),
		Ciphertext:     ct,
	}, nil
}

// Open decrypts a wrapped key with the recipient's private key.
func Open(wk envelope.WrappedKey, private *[KeySize]byte) ([]byte, error) {
	if wk.Version != envelope.VersionX25519 {
		return nil, fmt.Errorf("unsupported version %q: %w", wk.Version, envelope.ErrMalformedEnvelope)
	}
	if len(wk.EphemPublicKey) != KeySize || len(wk.Nonce) != 24 {
		return nil, fmt.Errorf("bad field widths: %w", envelope.ErrMalformedEnvelope)
	}
	var eph [KeySize]byte
	var nonce [24]byte
	copy(eph[:], wk.EphemPublicKey)
	copy(nonce[:], wk.Nonce)

	plain, ok := box.Open(nil, wk.Ciphertext, &nonce, &eph, private)
	if !ok {
		return nil, fmt.Errorf("opening sealed box: %w", ErrAuthenticationFailure)
	}
	return plain, nil
}

// SealContentKey wraps a raw content key for a recipient. The sealed
// plaintext is the base64 text of the key, which is what browser wallets
// hand back from eth_decrypt.
func SealContentKey(contentKey []byte, recipientPub [KeySize]byte) (envelope.WrappedKey, error) {
	if len(contentKey) != util.AESKeySize {
		return envelope.WrappedKey{}, fmt.Errorf("content key is %d bytes: %w", len(contentKey), ErrInvalidKey)
	}
	text := []byte(base64.StdEncoding.EncodeToString(contentKey))
	defer util.WipeBytes(text)
	return Seal(text, recipientPub)
}

// ContentKeyFromUnsealed decodes the base64 text recovered by Open.
func ContentKeyFromUnsealed(unsealed []byte) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(string(unsealed))
	if err != nil || len(key) != util.AESKeySize {
		return nil, fmt.Errorf("unsealed content key is not a base64 AES-256 key: %w", ErrInvalidKey)
	}
	return key, nil
}
