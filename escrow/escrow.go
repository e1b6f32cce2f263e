// Package escrow stores the ministry escrow copy of each transcript's
// content key, keyed "breakglass:{transcriptId}".
//
// Records are sealed at rest with AES-256-GCM under a key derived from the
// operator secret. The AAD binds each record to its transcript id, so a
// record copied onto another transcript fails to open.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

const (
	DefaultNamespace = "escrow"

	recordType = "record"
	aadVersion = 1
)

var (
	keySalt = []byte("transcrypt/escrow/v1")
	keyInfo = []byte("escrow record key")
)

// Record is the stored escrow entry.
type Record struct {
	WrappedKey string    `json:"wrappedKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Key returns the record key of transcript id.
func Key(id ident.TranscriptID) string {
	return "breakglass:" + id.String()
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With("component", "escrow")
	}
}

func WithNamespace(namespace string) Option {
	return func(s *Store) {
		s.namespace = namespace
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is the escrow record store.
type Store struct {
	repo      storage.Repository
	namespace string
	recordKey *memguard.Enclave
	logger    *slog.Logger
	now       func() time.Time
}

var _ registry.EscrowWriter = (*Store)(nil)

// New derives the at-rest key from secret. The caller keeps ownership of
// secret.
func New(repo storage.Repository, secret []byte, opts ...Option) (*Store, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecret
	}
	key, err := util.HKDF(secret, keySalt, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving escrow key: %w", err)
	}
	s := &Store{
		repo:      repo,
		namespace: DefaultNamespace,
		recordKey: memguard.NewEnclave(key),
		logger:    slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "escrow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PutEscrowedKey stores wrappedKey (either wire form) in canonical hex. It
// is create-only: storing the same key again succeeds, a different key
// fails with ErrAlreadyEscrowed.
func (s *Store) PutEscrowedKey(ctx context.Context, id ident.TranscriptID, wrappedKey string) error {
	hexKey, err := envelope.Normalize(wrappedKey)
	if err != nil {
		return fmt.Errorf("transcript %s: %w", id, err)
	}
	env, err := s.seal(id, Record{WrappedKey: hexKey, CreatedAt: s.now().UTC()})
	if err != nil {
		return err
	}

	err = s.repo.PutCAS(ctx, s.namespace, recordType, Key(id), 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		existing, gerr := s.get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if existing.WrappedKey == hexKey {
			return nil
		}
		return fmt.Errorf("transcript %s: %w", id, ErrAlreadyEscrowed)
	}
	if err != nil {
		return fmt.Errorf("transcript %s: %w", id, err)
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "escrowed key stored", slog.String("transcript_id", id.String()))
	return nil
}

// DiscardEscrowedKey removes the record written for an issuance that did
// not commit. Discarding a missing record is a no-op.
func (s *Store) DiscardEscrowedKey(ctx context.Context, id ident.TranscriptID) error {
	if _, err := s.repo.Get(ctx, s.namespace, recordType, Key(id)); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("transcript %s: %w", id, err)
	}
	err := s.repo.Delete(ctx, s.namespace, recordType, Key(id))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("transcript %s: %w", id, err)
	}
	s.logger.LogAttrs(ctx, slog.LevelWarn, "escrowed key discarded", slog.String("transcript_id", id.String()))
	return nil
}

// GetEscrowedKey returns the hex wrapped key escrowed for id.
func (s *Store) GetEscrowedKey(ctx context.Context, id ident.TranscriptID) (string, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.WrappedKey, nil
}

// Get returns the full escrow record of id.
func (s *Store) Get(ctx context.Context, id ident.TranscriptID) (Record, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id ident.TranscriptID) (Record, error) {
	env, err := s.repo.Get(ctx, s.namespace, recordType, Key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("transcript %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("transcript %s: %w", id, err)
	}

	keyBuf, err := s.recordKey.Open()
	if err != nil {
		return Record{}, fmt.Errorf("opening escrow key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	plaintext, err := storage.OpenRecord(keyBuf.Bytes(), env, util.AADEscrow(id.String(), aadVersion))
	if err != nil {
		return Record{}, fmt.Errorf("transcript %s: opening escrow record: %w", id, err)
	}
	defer util.WipeBytes(plaintext)

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, fmt.Errorf("transcript %s: decoding escrow record: %w", id, err)
	}
	return rec, nil
}

func (s *Store) seal(id ident.TranscriptID, rec Record) (*storage.Envelope, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(plaintext)

	keyBuf, err := s.recordKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening escrow key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	return storage.SealRecord(keyBuf.Bytes(), plaintext, util.AADEscrow(id.String(), aadVersion), 1)
}
