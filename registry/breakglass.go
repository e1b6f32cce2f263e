package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

func breakGlassKey(id ident.TranscriptID, accessor ident.Address) string {
	return id.String() + "|" + accessor.String()
}

// RequestBreakGlass marks (id, caller) as requested. Any address may request.
// A repeated request is a no-op and appends no event.
func (r *Registry) RequestBreakGlass(ctx context.Context, caller ident.Address, id ident.TranscriptID) error {
	if caller.IsZero() {
		return fmt.Errorf("transcript %s: caller: %w", id, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		t, _, err := loadTranscriptTx(tx, id)
		if err != nil {
			return false, err
		}
		rec, version, err := loadBreakGlassTx(tx, id, caller)
		if err != nil {
			return false, err
		}
		if rec.Requested {
			return false, nil
		}
		rec.Requested = true
		if err := putBreakGlassTx(tx, id, caller, rec, version); err != nil {
			return false, err
		}
		ev.Type = EventBreakGlassRequested
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Accessor = caller
		return true, nil
	})
	return err
}

// SetBreakGlassConsent records the owner's decision. Consent is scoped to
// the transcript and applies to whichever accessor is later released.
func (r *Registry) SetBreakGlassConsent(ctx context.Context, caller ident.Address, id ident.TranscriptID, consent bool) error {
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		t, version, err := r.ownedTranscriptTx(tx, caller, id)
		if err != nil {
			return false, err
		}
		t.Consent = consent
		t.ConsentDecided = true
		if err := putTranscriptTx(tx, t, version); err != nil {
			return false, err
		}
		ev.Type = EventBreakGlassConsentUpdated
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Consent = consent
		return true, nil
	})
	return err
}

// ReleaseEmergencyAccess stores wrappedKey for accessor on behalf of the
// ministry. FULFILLED is terminal: a fulfilled pair fails with
// ErrBreakGlassAlreadyFulfilled even if consent was later withdrawn. The
// fulfilled flag is set with a compare-and-swap in the same batch as the
// grant, so two concurrent releases cannot both succeed.
func (r *Registry) ReleaseEmergencyAccess(ctx context.Context, caller ident.Address, id ident.TranscriptID, accessor ident.Address, wrappedKey string) error {
	if accessor.IsZero() || wrappedKey == "" {
		return fmt.Errorf("transcript %s accessor %s: %w", id, accessor, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		if err := requireRoleTx(tx, caller, RoleMinistry); err != nil {
			return false, err
		}
		t, tVersion, err := loadTranscriptTx(tx, id)
		if err != nil {
			return false, err
		}
		rec, version, err := loadBreakGlassTx(tx, id, accessor)
		if err != nil {
			return false, err
		}
		if rec.Fulfilled {
			return false, fmt.Errorf("transcript %s accessor %s: %w", id, accessor, ErrBreakGlassAlreadyFulfilled)
		}
		if !t.Consent {
			return false, fmt.Errorf("transcript %s accessor %s: %w", id, accessor, ErrBreakGlassNotConsented)
		}

		rec.Fulfilled = true
		if err := putBreakGlassTx(tx, id, accessor, rec, version); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return false, fmt.Errorf("transcript %s accessor %s: %w", id, accessor, ErrBreakGlassAlreadyFulfilled)
			}
			return false, err
		}
		t.WrappedKeys[accessor] = wrappedKey
		if err := putTranscriptTx(tx, t, tVersion); err != nil {
			return false, err
		}
		ev.Type = EventEmergencyAccessGranted
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Accessor = accessor
		ev.WrappedKey = wrappedKey
		return true, nil
	})
	return err
}

// GetBreakGlassStatus reports the lifecycle of (id, accessor).
func (r *Registry) GetBreakGlassStatus(ctx context.Context, id ident.TranscriptID, accessor ident.Address) (BreakGlassStatus, error) {
	t, err := r.Transcript(ctx, id)
	if err != nil {
		return BreakGlassStatus{}, err
	}
	var rec breakGlassRecord
	env, err := r.repo.Get(ctx, r.namespace, recordBreakGlass, breakGlassKey(id, accessor))
	switch {
	case err == nil:
		if err := storage.DecodePlain(env, &rec); err != nil {
			return BreakGlassStatus{}, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return BreakGlassStatus{}, fmt.Errorf("transcript %s accessor %s: %w", id, accessor, err)
	}
	return BreakGlassStatus{
		Consented: t.Consent,
		Requested: rec.Requested,
		Fulfilled: rec.Fulfilled,
		State:     deriveState(rec, t),
	}, nil
}

// RecordEmergencyDisclosure appends the on-ledger audit event of a
// break-glass disclosure. Ministry only.
func (r *Registry) RecordEmergencyDisclosure(ctx context.Context, caller ident.Address, id ident.TranscriptID, reason, courtOrder string) (uint64, error) {
	if strings.TrimSpace(reason) == "" {
		return 0, fmt.Errorf("transcript %s: reason: %w", id, ErrInvalidArgument)
	}
	ev, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		if err := requireRoleTx(tx, caller, RoleMinistry); err != nil {
			return false, err
		}
		t, _, err := loadTranscriptTx(tx, id)
		if err != nil {
			return false, err
		}
		ev.Type = EventBreakGlassAccess
		ev.Actor = caller
		ev.TranscriptID = id
		ev.Owner = t.Owner
		ev.Accessor = caller
		ev.Reason = reason
		ev.CourtOrder = courtOrder
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

func loadBreakGlassTx(tx storage.BatchTx, id ident.TranscriptID, accessor ident.Address) (breakGlassRecord, uint64, error) {
	var rec breakGlassRecord
	env, err := tx.Get(recordBreakGlass, breakGlassKey(id, accessor))
	if errors.Is(err, storage.ErrNotFound) {
		return rec, 0, nil
	}
	if err != nil {
		return rec, 0, err
	}
	if err := storage.DecodePlain(env, &rec); err != nil {
		return rec, 0, err
	}
	return rec, env.Version, nil
}

func putBreakGlassTx(tx storage.BatchTx, id ident.TranscriptID, accessor ident.Address, rec breakGlassRecord, version uint64) error {
	env, err := storage.PlainRecord(rec, version+1)
	if err != nil {
		return err
	}
	return tx.PutCAS(recordBreakGlass, breakGlassKey(id, accessor), version, env)
}
