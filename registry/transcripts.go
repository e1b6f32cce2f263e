package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

// Issue records a new transcript. The caller must hold RoleIssuer or
// RoleRegistrar. The escrow key is written through the EscrowWriter before
// the ledger commit, replacing any key left by an earlier uncommitted issue;
// if the commit fails it is discarded again.
func (r *Registry) Issue(ctx context.Context, caller ident.Address, req IssueRequest) (Meta, error) {
	if err := validateIssue(&req); err != nil {
		return Meta{}, err
	}
	escrowHex, err := envelope.Normalize(req.EscrowWrappedKey)
	if err != nil {
		return Meta{}, fmt.Errorf("transcript %s: %w: %w", req.ID, ErrEscrowKeyRequired, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireAnyRole(ctx, caller, RoleIssuer, RoleRegistrar); err != nil {
		return Meta{}, err
	}
	if _, err := r.repo.Get(ctx, r.namespace, recordTranscript, req.ID.String()); err == nil {
		return Meta{}, fmt.Errorf("transcript %s: %w", req.ID, ErrAlreadyExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Meta{}, fmt.Errorf("transcript %s: %w", req.ID, err)
	}

	// The transcript is absent and r.mu is held, so any escrow record for
	// this id was left by an issuance that never committed.
	if err := r.escrow.DiscardEscrowedKey(ctx, req.ID); err != nil {
		return Meta{}, fmt.Errorf("transcript %s: clearing stale escrow key: %w", req.ID, err)
	}
	if err := r.escrow.PutEscrowedKey(ctx, req.ID, escrowHex); err != nil {
		return Meta{}, fmt.Errorf("transcript %s: escrowing key: %w", req.ID, err)
	}

	var t *Transcript
	_, err = r.applyLocked(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		t = &Transcript{
			ID:             req.ID,
			Owner:          req.Owner,
			Issuer:         caller,
			ContentLocator: req.ContentLocator,
			ContentHash:    req.ContentHash,
			IssuedAt:       ev.At,
			WrappedKeys:    map[ident.Address]string{req.Owner: req.OwnerWrappedKey},
		}
		if err := putTranscriptTx(tx, t, 0); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return false, fmt.Errorf("transcript %s: %w", req.ID, ErrAlreadyExists)
			}
			return false, err
		}
		ev.Type = EventTranscriptIssued
		ev.Actor = caller
		ev.TranscriptID = t.ID
		ev.Owner = t.Owner
		ev.Accessor = t.Owner
		ev.WrappedKey = req.OwnerWrappedKey
		ev.ContentLocator = t.ContentLocator
		ev.ContentHash = t.ContentHash
		ev.IssuedAt = t.IssuedAt
		return true, nil
	})
	if err != nil {
		if derr := r.escrow.DiscardEscrowedKey(context.WithoutCancel(ctx), req.ID); derr != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "discarding escrow key after failed issue",
				slog.String("transcript_id", req.ID.String()),
				slog.String("error", derr.Error()),
			)
		}
		return Meta{}, err
	}
	return t.Meta(), nil
}

func validateIssue(req *IssueRequest) error {
	switch {
	case req.ID == "":
		return fmt.Errorf("transcript id: %w", ErrInvalidArgument)
	case req.Owner.IsZero():
		return fmt.Errorf("transcript %s: owner: %w", req.ID, ErrInvalidArgument)
	case strings.TrimSpace(req.ContentLocator) == "":
		return fmt.Errorf("transcript %s: content locator: %w", req.ID, ErrInvalidArgument)
	case req.OwnerWrappedKey == "":
		return fmt.Errorf("transcript %s: owner wrapped key: %w", req.ID, ErrInvalidArgument)
	case strings.TrimSpace(req.EscrowWrappedKey) == "":
		return fmt.Errorf("transcript %s: %w", req.ID, ErrEscrowKeyRequired)
	}
	hash, err := canonicalHash(req.ContentHash)
	if err != nil {
		return fmt.Errorf("transcript %s: content hash: %w", req.ID, ErrInvalidArgument)
	}
	req.ContentHash = hash
	return nil
}

func canonicalHash(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	body, ok := strings.CutPrefix(s, "0x")
	if !ok || len(body) != 64 {
		return "", errors.New("want 0x + 64 hex")
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", err
	}
	return s, nil
}

// GrantAccess stores wrappedKey for accessor. Only the owner may grant;
// granting again overwrites.
func (r *Registry) GrantAccess(ctx context.Context, caller ident.Address, id ident.TranscriptID, accessor ident.Address, wrappedKey string) error {
	if accessor.IsZero() || wrappedKey == "" {
		return fmt.Errorf("transcript %s accessor %s: %w", id, accessor, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		t, version, err := r.ownedTranscriptTx(tx, caller, id)
		if err != nil {
			return false, err
		}
		t.WrappedKeys[accessor] = wrappedKey
		if err := putTranscriptTx(tx, t, version); err != nil {
			return false, err
		}
		ev.Type = EventAccessGranted
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Accessor = accessor
		ev.WrappedKey = wrappedKey
		return true, nil
	})
	return err
}

// RevokeAccess removes accessor's grant. Revoking a missing grant succeeds
// and still appends an event, so replay converges on the same state.
func (r *Registry) RevokeAccess(ctx context.Context, caller ident.Address, id ident.TranscriptID, accessor ident.Address) error {
	if accessor.IsZero() {
		return fmt.Errorf("transcript %s: accessor: %w", id, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		t, version, err := r.ownedTranscriptTx(tx, caller, id)
		if err != nil {
			return false, err
		}
		delete(t.WrappedKeys, accessor)
		if err := putTranscriptTx(tx, t, version); err != nil {
			return false, err
		}
		ev.Type = EventAccessRevoked
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Accessor = accessor
		return true, nil
	})
	return err
}

// GetAccessKey returns accessor's wrapped key, or "" when there is no grant.
func (r *Registry) GetAccessKey(ctx context.Context, id ident.TranscriptID, accessor ident.Address) (string, error) {
	t, err := r.Transcript(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return t.WrappedKeys[accessor], nil
}

func (r *Registry) GetTranscriptMeta(ctx context.Context, id ident.TranscriptID) (Meta, error) {
	t, err := r.Transcript(ctx, id)
	if err != nil {
		return Meta{}, err
	}
	return t.Meta(), nil
}

// Transcript returns the full ledger record.
func (r *Registry) Transcript(ctx context.Context, id ident.TranscriptID) (*Transcript, error) {
	env, err := r.repo.Get(ctx, r.namespace, recordTranscript, id.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("transcript %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}
	return decodeTranscript(env)
}

func (r *Registry) ownedTranscriptTx(tx storage.BatchTx, caller ident.Address, id ident.TranscriptID) (*Transcript, uint64, error) {
	t, version, err := loadTranscriptTx(tx, id)
	if err != nil {
		return nil, 0, err
	}
	if t.Owner != caller {
		return nil, 0, fmt.Errorf("transcript %s caller %s: %w", id, caller, ErrUnauthorizedAccess)
	}
	return t, version, nil
}

func loadTranscriptTx(tx storage.BatchTx, id ident.TranscriptID) (*Transcript, uint64, error) {
	env, err := tx.Get(recordTranscript, id.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("transcript %s: %w", id, ErrNotFound)
		}
		return nil, 0, err
	}
	t, err := decodeTranscript(env)
	if err != nil {
		return nil, 0, err
	}
	return t, env.Version, nil
}

func decodeTranscript(env *storage.Envelope) (*Transcript, error) {
	var t Transcript
	if err := storage.DecodePlain(env, &t); err != nil {
		return nil, err
	}
	if t.WrappedKeys == nil {
		t.WrappedKeys = make(map[ident.Address]string)
	}
	return &t, nil
}

// putTranscriptTx writes t if the stored version still equals version.
func putTranscriptTx(tx storage.BatchTx, t *Transcript, version uint64) error {
	env, err := storage.PlainRecord(t, version+1)
	if err != nil {
		return err
	}
	return tx.PutCAS(recordTranscript, t.ID.String(), version, env)
}
