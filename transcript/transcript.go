// Package transcript composes the protocol's end-to-end flows: issuing an
// encrypted transcript, reading it back through a wallet, an owner sharing
// it with another reader, and the ministry re-wrapping an escrowed key
// after a break-glass release.
//
// The content key exists in plaintext only inside these calls and inside
// the wallet agent; it is never stored.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/abdoulaahmad/transcrypt2/content"
	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

// ErrHashMismatch indicates decrypted content whose keccak256 differs from
// the hash recorded at issuance.
var ErrHashMismatch = errors.New("content hash mismatch")

// Ledger is the part of the registry the workflows drive.
type Ledger interface {
	Issue(ctx context.Context, caller ident.Address, req registry.IssueRequest) (registry.Meta, error)
	GrantAccess(ctx context.Context, caller ident.Address, id ident.TranscriptID, accessor ident.Address, wrappedKey string) error
	ReleaseEmergencyAccess(ctx context.Context, caller ident.Address, id ident.TranscriptID, accessor ident.Address, wrappedKey string) error
	GetAccessKey(ctx context.Context, id ident.TranscriptID, accessor ident.Address) (string, error)
	GetTranscriptMeta(ctx context.Context, id ident.TranscriptID) (registry.Meta, error)
}

// PublicKeys resolves an address to its registered base64 public key.
type PublicKeys interface {
	GetPublicKey(ctx context.Context, addr ident.Address) (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "transcript")
	}
}

func WithRetryPolicy(p util.ReadRetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

type Service struct {
	ledger   Ledger
	blobs    content.Store
	keys     PublicKeys
	ministry ident.Address
	logger   *slog.Logger
	retry    util.ReadRetryPolicy
}

// New returns a Service. Every issued transcript is escrowed for ministry.
func New(ledger Ledger, blobs content.Store, keys PublicKeys, ministry ident.Address, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		blobs:    blobs,
		keys:     keys,
		ministry: ministry,
		logger:   slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "transcript"),
		retry:    util.DefaultReadRetryPolicy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueInput carries the arguments of Issue. ID may be empty (random id), a
// canonical 0x-prefixed id, or any other text (hashed with keccak256).
type IssueInput struct {
	ID        string
	Owner     ident.Address
	Plaintext []byte
}

// Issue encrypts in.Plaintext under a fresh content key, stores the
// ciphertext, wraps the key for the owner and the ministry escrow, and
// records the transcript on the ledger.
func (s *Service) Issue(ctx context.Context, issuer ident.Address, in IssueInput) (registry.Meta, error) {
	id, err := ident.DeriveTranscriptID(in.ID)
	if err != nil {
		return registry.Meta{}, err
	}
	ownerPub, err := s.publicKey(ctx, in.Owner)
	if err != nil {
		return registry.Meta{}, err
	}
	ministryPub, err := s.publicKey(ctx, s.ministry)
	if err != nil {
		return registry.Meta{}, err
	}

	key, err := crypto.NewContentKey()
	if err != nil {
		return registry.Meta{}, err
	}
	defer util.WipeBytes(key)

	payload, err := crypto.EncryptContent(in.Plaintext, key)
	if err != nil {
		return registry.Meta{}, err
	}
	packed, err := envelope.PackCipherPayload(payload)
	if err != nil {
		return registry.Meta{}, err
	}
	locator, err := s.blobs.Put(ctx, packed)
	if err != nil {
		return registry.Meta{}, fmt.Errorf("storing ciphertext: %w", err)
	}

	ownerKey, err := wrapStructured(key, ownerPub)
	if err != nil {
		return registry.Meta{}, err
	}
	escrowKey, err := wrapStructured(key, ministryPub)
	if err != nil {
		return registry.Meta{}, err
	}

	meta, err := s.ledger.Issue(ctx, issuer, registry.IssueRequest{
		ID:               id,
		Owner:            in.Owner,
		ContentLocator:   locator,
		ContentHash:      crypto.ContentHash(in.Plaintext),
		OwnerWrappedKey:  ownerKey,
		EscrowWrappedKey: escrowKey,
	})
	if err != nil {
		return registry.Meta{}, err
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "transcript issued",
		slog.String("transcript_id", meta.ID.String()),
		slog.String("owner", meta.Owner.String()),
		slog.String("content_locator", meta.ContentLocator),
	)
	return meta, nil
}

// Read fetches and decrypts transcript id for reader, whose private key is
// held by agent. The plaintext is checked against the recorded hash.
func (s *Service) Read(ctx context.Context, agent wallet.Agent, reader ident.Address, id ident.TranscriptID) ([]byte, error) {
	meta, err := s.ledger.GetTranscriptMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	blob, err := util.RetryRead(ctx, s.retry, permanentContentError, func(ctx context.Context) ([]byte, error) {
		return s.blobs.Get(ctx, meta.ContentLocator)
	})
	if err != nil {
		return nil, fmt.Errorf("transcript %s: loading ciphertext: %w", id, err)
	}
	payload, err := envelope.UnpackCipherPayload(blob)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}

	key, err := s.unsealOwnKey(ctx, agent, reader, id)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	plaintext, err := crypto.DecryptContent(payload, key)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}
	if crypto.ContentHash(plaintext) != meta.ContentHash {
		return nil, fmt.Errorf("transcript %s: %w", id, ErrHashMismatch)
	}
	return plaintext, nil
}

// Share lets owner grant grantee access: the owner's wallet unseals the
// owner's copy of the key, which is re-wrapped for grantee's registered
// public key.
func (s *Service) Share(ctx context.Context, agent wallet.Agent, owner ident.Address, id ident.TranscriptID, grantee ident.Address) error {
	granteePub, err := s.publicKey(ctx, grantee)
	if err != nil {
		return err
	}
	key, err := s.unsealOwnKey(ctx, agent, owner, id)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)

	wrapped, err := wrapStructured(key, granteePub)
	if err != nil {
		return err
	}
	return s.ledger.GrantAccess(ctx, owner, id, grantee, wrapped)
}

// Release completes a consented break-glass request: the ministry's wallet
// unseals the escrowed key (as returned by breakglass.Coordinator.Execute)
// and re-wraps it for accessor.
func (s *Service) Release(ctx context.Context, agent wallet.Agent, id ident.TranscriptID, accessor ident.Address, escrowedKey string) error {
	accessorPub, err := s.publicKey(ctx, accessor)
	if err != nil {
		return err
	}
	key, err := unsealKey(ctx, agent, s.ministry, escrowedKey)
	if err != nil {
		return fmt.Errorf("transcript %s: %w", id, err)
	}
	defer util.WipeBytes(key)

	wrapped, err := wrapStructured(key, accessorPub)
	if err != nil {
		return err
	}
	return s.ledger.ReleaseEmergencyAccess(ctx, s.ministry, id, accessor, wrapped)
}

func (s *Service) unsealOwnKey(ctx context.Context, agent wallet.Agent, addr ident.Address, id ident.TranscriptID) ([]byte, error) {
	wrapped, err := s.ledger.GetAccessKey(ctx, id, addr)
	if err != nil {
		return nil, err
	}
	if wrapped == "" {
		return nil, fmt.Errorf("transcript %s, reader %s: %w", id, addr, registry.ErrUnauthorizedAccess)
	}
	key, err := unsealKey(ctx, agent, addr, wrapped)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}
	return key, nil
}

func unsealKey(ctx context.Context, agent wallet.Agent, addr ident.Address, wrapped string) ([]byte, error) {
	hexKey, err := envelope.Normalize(wrapped)
	if err != nil {
		return nil, err
	}
	unsealed, err := agent.Unseal(ctx, addr, hexKey)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(unsealed)
	return crypto.ContentKeyFromUnsealed(unsealed)
}

func (s *Service) publicKey(ctx context.Context, addr ident.Address) ([crypto.KeySize]byte, error) {
	b64, err := s.keys.GetPublicKey(ctx, addr)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return crypto.DecodePublicKey(b64)
}

func wrapStructured(key []byte, pub [crypto.KeySize]byte) (string, error) {
	wk, err := crypto.SealContentKey(key, pub)
	if err != nil {
		return "", err
	}
	return wk.MarshalStructured()
}

func permanentContentError(err error) bool {
	return errors.Is(err, content.ErrNotFound) ||
		errors.Is(err, content.ErrInvalidLocator) ||
		errors.Is(err, content.ErrIntegrity)
}
