// Package crypto holds the two primitives the protocol is built on: the
// x25519-xsalsa20-poly1305 sealed box used to wrap content keys for a
// recipient, and AES-256-GCM used to encrypt the content itself.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

const KeySize = 32

// KeyPair holds an X25519 encryption key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating x25519 key pair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate recomputes the public half of an X25519 private key.
func KeyPairFromPrivate(private []byte) (KeyPair, error) {
	if len(private) != KeySize {
		return KeyPair{}, fmt.Errorf("private key is %d bytes: %w", len(private), ErrInvalidKey)
	}
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("deriving public key: %w", ErrInvalidKey)
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	copy(kp.Private[:], private)
	return kp, nil
}

// Wipe zeroes the private half.
func (kp *KeyPair) Wipe() {
	util.WipeBytes(kp.Private[:])
}

// EncodePublicKey renders a public key the way wallets publish it: base64.
func EncodePublicKey(pub [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// DecodePublicKey parses a base64 public key of exactly KeySize bytes.
func DecodePublicKey(s string) ([KeySize]byte, error) {
	var pub [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("public key is not base64: %w", ErrInvalidKey)
	}
	if len(raw) != KeySize {
		return pub, fmt.Errorf("public key is %d bytes, want %d: %w", len(raw), KeySize, ErrInvalidKey)
	}
	copy(pub[:], raw)
	return pub, nil
}
