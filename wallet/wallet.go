// Package wallet holds address-identified X25519 private keys and unseals
// wrapped content keys on their owner's behalf. Private keys never leave
// the agent.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/ident"
)

var ErrUnknownAddress = errors.New("no key held for address")

// Agent unseals wrapped keys for the addresses it holds.
type Agent interface {
	// Unseal opens wrapped (either wire form) with addr's private key.
	Unseal(ctx context.Context, addr ident.Address, wrapped string) ([]byte, error)
	// PublicKey returns addr's base64 encryption public key.
	PublicKey(ctx context.Context, addr ident.Address) (string, error)
}

func unseal(private []byte, wrapped string) ([]byte, error) {
	wk, err := envelope.Parse(wrapped)
	if err != nil {
		return nil, err
	}
	if len(private) != crypto.KeySize {
		return nil, fmt.Errorf("private key is %d bytes: %w", len(private), crypto.ErrInvalidKey)
	}
	return crypto.Open(wk, (*[crypto.KeySize]byte)(private))
}

// MemoryAgent keeps private keys in memguard enclaves.
type MemoryAgent struct {
	mu   sync.RWMutex
	keys map[ident.Address]*memguard.Enclave
	pubs map[ident.Address]string
}

var _ Agent = (*MemoryAgent)(nil)

func NewMemoryAgent() *MemoryAgent {
	return &MemoryAgent{
		keys: make(map[ident.Address]*memguard.Enclave),
		pubs: make(map[ident.Address]string),
	}
}

// Generate creates a key pair for addr and returns its public key.
func (m *MemoryAgent) Generate(addr ident.Address) (string, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	m.Add(addr, &kp)
	return crypto.EncodePublicKey(kp.Public), nil
}

// Add takes ownership of kp; its private half is wiped.
func (m *MemoryAgent) Add(addr ident.Address, kp *crypto.KeyPair) {
	pub := crypto.EncodePublicKey(kp.Public)
	enclave := memguard.NewEnclave(kp.Private[:])
	kp.Wipe()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[addr] = enclave
	m.pubs[addr] = pub
}

func (m *MemoryAgent) PublicKey(_ context.Context, addr ident.Address) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pub, ok := m.pubs[addr]
	if !ok {
		return "", fmt.Errorf("address %s: %w", addr, ErrUnknownAddress)
	}
	return pub, nil
}

func (m *MemoryAgent) Unseal(ctx context.Context, addr ident.Address, wrapped string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	enclave, ok := m.keys[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("address %s: %w", addr, ErrUnknownAddress)
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return unseal(buf.Bytes(), wrapped)
}
