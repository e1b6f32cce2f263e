package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

// NewContentKey returns a fresh AES-256 key.
func NewContentKey() ([]byte, error) {
	return util.NewAESKey()
}

// EncryptContent encrypts plaintext with AES-256-GCM under key.
func EncryptContent(plaintext, key []byte) (envelope.CipherPayload, error) {
	nonce, sealed, err := util.SealGCM(key, plaintext, nil)
	if err != nil {
		return envelope.CipherPayload{}, err
	}
	split := len(sealed) - util.GCMTagSize
	return envelope.CipherPayload{
		IV:         nonce,
		Ciphertext: sealed[:split:split],
		AuthTag:    sealed[split:],
	}, nil
}

// DecryptContent reverses EncryptContent. A tag mismatch is reported as
// ErrAuthenticationFailure.
func DecryptContent(p envelope.CipherPayload, key []byte) ([]byte, error) {
	if len(p.IV) != util.GCMNonceSize || len(p.AuthTag) != util.GCMTagSize {
		return nil, fmt.Errorf("iv/tag widths %d/%d: %w", len(p.IV), len(p.AuthTag), envelope.ErrMalformedEnvelope)
	}
	plain, err := util.OpenGCM(key, p.IV, util.Concat(p.Ciphertext, p.AuthTag), nil)
	if errors.Is(err, util.ErrGCMOpen) {
		return nil, fmt.Errorf("decrypting content: %w", ErrAuthenticationFailure)
	}
	return plain, err
}

// ContentHash is keccak256 of the plaintext rendered as "0x" + 64 hex.
func ContentHash(plaintext []byte) string {
	return "0x" + hex.EncodeToString(util.Keccak256(plaintext))
}
