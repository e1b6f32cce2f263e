package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/awnumar/memguard"

	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

const (
	DefaultServiceName = "transcrypt"
	itemPrefix         = "wallet:"
)

// KeyringAgent keeps private keys in an OS keyring (libsecret, Keychain,
// WinCred, or an encrypted file backend).
type KeyringAgent struct {
	ring keyring.Keyring
}

var _ Agent = (*KeyringAgent)(nil)

// OpenKeyringAgent opens the keyring described by cfg. An empty ServiceName
// defaults to DefaultServiceName.
func OpenKeyringAgent(cfg keyring.Config) (*KeyringAgent, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return NewKeyringAgent(ring), nil
}

func NewKeyringAgent(ring keyring.Keyring) *KeyringAgent {
	return &KeyringAgent{ring: ring}
}

func itemKey(addr ident.Address) string {
	return itemPrefix + addr.String()
}

// Generate creates and stores a key pair for addr, replacing any existing
// one, and returns its public key.
func (k *KeyringAgent) Generate(addr ident.Address) (string, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	defer kp.Wipe()
	if err := k.Set(addr, kp.Private[:]); err != nil {
		return "", err
	}
	return crypto.EncodePublicKey(kp.Public), nil
}

// Set stores a raw 32-byte private key for addr.
func (k *KeyringAgent) Set(addr ident.Address, private []byte) error {
	if len(private) != crypto.KeySize {
		return fmt.Errorf("private key is %d bytes: %w", len(private), crypto.ErrInvalidKey)
	}
	err := k.ring.Set(keyring.Item{
		Key:         itemKey(addr),
		Data:        util.CopyBytes(private),
		Label:       "transcrypt wallet " + addr.String(),
		Description: "X25519 encryption key",
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// Addresses lists every address with a stored key.
func (k *KeyringAgent) Addresses() ([]ident.Address, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	var out []ident.Address
	for _, key := range keys {
		if len(key) <= len(itemPrefix) || key[:len(itemPrefix)] != itemPrefix {
			continue
		}
		if addr, err := ident.ParseAddress(key[len(itemPrefix):]); err == nil {
			out = append(out, addr)
		}
	}
	return out, nil
}

// privateKey loads addr's key into a locked buffer the caller must destroy.
func (k *KeyringAgent) privateKey(addr ident.Address) (*memguard.LockedBuffer, error) {
	item, err := k.ring.Get(itemKey(addr))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("address %s: %w", addr, ErrUnknownAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	// NewBufferFromBytes wipes its source, and some backends hand out the
	// stored slice itself.
	buf := memguard.NewBufferFromBytes(util.CopyBytes(item.Data))
	if buf.Size() != crypto.KeySize {
		buf.Destroy()
		return nil, fmt.Errorf("address %s: stored key: %w", addr, crypto.ErrInvalidKey)
	}
	return buf, nil
}

func (k *KeyringAgent) PublicKey(_ context.Context, addr ident.Address) (string, error) {
	buf, err := k.privateKey(addr)
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	kp, err := crypto.KeyPairFromPrivate(buf.Bytes())
	if err != nil {
		return "", err
	}
	defer kp.Wipe()
	return crypto.EncodePublicKey(kp.Public), nil
}

func (k *KeyringAgent) Unseal(ctx context.Context, addr ident.Address, wrapped string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := k.privateKey(addr)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return unseal(buf.Bytes(), wrapped)
}
