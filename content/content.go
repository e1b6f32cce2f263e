// Package content stores transcript ciphertext blobs by content address.
// A locator is "sha256:" followed by the hex digest of the stored bytes.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const locatorPrefix = "sha256:"

var (
	ErrNotFound       = errors.New("content not found")
	ErrInvalidLocator = errors.New("invalid content locator")
	// ErrIntegrity indicates stored bytes no longer match their locator.
	ErrIntegrity = errors.New("content does not match locator")
)

// Store is content-addressed blob storage. Put is idempotent: the same
// bytes always yield the same locator.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Locator returns the locator of data.
func Locator(data []byte) string {
	sum := sha256.Sum256(data)
	return locatorPrefix + hex.EncodeToString(sum[:])
}

// ParseLocator validates s and returns its lower-case digest.
func ParseLocator(s string) (string, error) {
	digest, ok := strings.CutPrefix(strings.TrimSpace(s), locatorPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	digest = strings.ToLower(digest)
	if len(digest) != 2*sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	return digest, nil
}

// Verify checks that data hashes to digest.
func Verify(digest string, data []byte) error {
	if Locator(data) != locatorPrefix+digest {
		return fmt.Errorf("%s%s: %w", locatorPrefix, digest, ErrIntegrity)
	}
	return nil
}

// MemoryStore keeps blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := Locator(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[loc]; !ok {
		m.blobs[loc] = append([]byte(nil), data...)
	}
	return loc, nil
}

func (m *MemoryStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[locatorPrefix+digest]
	if !ok {
		return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
