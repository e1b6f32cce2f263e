// Package index projects ledger events into read-optimized lookups: by
// transcript, by owner and by accessor. It also keeps the registry of
// wallet encryption public keys.
//
// Every handler runs in one storage batch and is keyed by the event
// sequence number: an event older than what a record already reflects is
// skipped, so handlers can be re-applied safely during replay.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

const (
	DefaultNamespace = "index"

	recordTranscript = "transcript"
	recordPublicKey  = "pubkey"
	recordFailed     = "failed"
	ownerPrefix      = "owner/"
	accessorPrefix   = "accessor/"
)

// Record is the indexed view of one transcript. WrappedKeys holds only live
// grants.
type Record struct {
	registry.Meta
	WrappedKeys map[ident.Address]string `json:"wrappedKeys"`
}

// keyEntry is one accessor slot. An empty WrappedKey is a revocation
// tombstone; Seq orders writes to the slot.
type keyEntry struct {
	WrappedKey string `json:"wrappedKey,omitempty"`
	Seq        uint64 `json:"seq"`
}

type storedRecord struct {
	Meta      registry.Meta              `json:"meta"`
	IssuedSeq uint64                     `json:"issuedSeq"`
	Keys      map[ident.Address]keyEntry `json:"keys"`
}

func (s *storedRecord) view() Record {
	rec := Record{Meta: s.Meta, WrappedKeys: make(map[ident.Address]string)}
	for addr, e := range s.Keys {
		if e.WrappedKey != "" {
			rec.WrappedKeys[addr] = e.WrappedKey
		}
	}
	return rec
}

type publicKeyRecord struct {
	Address      ident.Address `json:"address"`
	PublicKey    string        `json:"publicKey"`
	RegisteredAt time.Time     `json:"registeredAt"`
}

// Option configures an Index.
type Option func(*Index)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger.With("component", "index")
	}
}

func WithNamespace(namespace string) Option {
	return func(i *Index) {
		i.namespace = namespace
	}
}

// Index is the key distribution index.
type Index struct {
	repo      storage.Repository
	namespace string
	logger    *slog.Logger
	now       func() time.Time
}

func New(repo storage.Repository, opts ...Option) *Index {
	idx := &Index{
		repo:      repo,
		namespace: DefaultNamespace,
		logger:    slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "index"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Apply dispatches ev to its handler. Events the index does not project are
// ignored.
func (i *Index) Apply(ctx context.Context, ev registry.Event) error {
	switch ev.Type {
	case registry.EventTranscriptIssued:
		return i.OnIssued(ctx, ev)
	case registry.EventAccessGranted:
		return i.OnAccessGranted(ctx, ev)
	case registry.EventEmergencyAccessGranted:
		return i.OnEmergencyGranted(ctx, ev)
	case registry.EventAccessRevoked:
		return i.OnAccessRevoked(ctx, ev)
	default:
		return nil
	}
}

// OnIssued upserts the record and indexes it under its owner. The owner's
// own slot is a grant like any other, so it also gets a reverse entry.
func (i *Index) OnIssued(ctx context.Context, ev registry.Event) error {
	return i.repo.Batch(ctx, i.namespace, func(tx storage.BatchTx) error {
		rec, version, err := loadRecordTx(tx, ev.TranscriptID)
		if err != nil && !errors.Is(err, ErrUnknownTranscript) {
			return err
		}
		if rec == nil {
			rec = &storedRecord{Keys: make(map[ident.Address]keyEntry)}
		}
		if rec.IssuedSeq >= ev.Seq {
			return nil
		}
		rec.IssuedSeq = ev.Seq
		rec.Meta = registry.Meta{
			ID:             ev.TranscriptID,
			Owner:          ev.Owner,
			Issuer:         ev.Actor,
			ContentLocator: ev.ContentLocator,
			ContentHash:    ev.ContentHash,
			IssuedAt:       ev.IssuedAt,
		}
		if setKey(rec, ev.Owner, ev.WrappedKey, ev.Seq) {
			if err := syncAccessorTx(tx, rec, ev.Owner); err != nil {
				return err
			}
		}
		if err := tx.Put(ownerPrefix+ev.Owner.String(), ev.TranscriptID.String(), marker()); err != nil {
			return err
		}
		return putRecordTx(tx, rec, version)
	})
}

// OnAccessGranted merges a grant into the record.
func (i *Index) OnAccessGranted(ctx context.Context, ev registry.Event) error {
	return i.applyKey(ctx, ev, ev.WrappedKey)
}

// OnEmergencyGranted merges a break-glass release into the record.
func (i *Index) OnEmergencyGranted(ctx context.Context, ev registry.Event) error {
	return i.applyKey(ctx, ev, ev.WrappedKey)
}

// OnAccessRevoked tombstones the accessor slot and drops the reverse entry.
func (i *Index) OnAccessRevoked(ctx context.Context, ev registry.Event) error {
	return i.applyKey(ctx, ev, "")
}

func (i *Index) applyKey(ctx context.Context, ev registry.Event, wrappedKey string) error {
	return i.repo.Batch(ctx, i.namespace, func(tx storage.BatchTx) error {
		rec, version, err := loadRecordTx(tx, ev.TranscriptID)
		if err != nil {
			return fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		if !setKey(rec, ev.Accessor, wrappedKey, ev.Seq) {
			return nil
		}
		if err := syncAccessorTx(tx, rec, ev.Accessor); err != nil {
			return err
		}
		return putRecordTx(tx, rec, version)
	})
}

// setKey writes the slot if seq is newer than what it holds.
func setKey(rec *storedRecord, accessor ident.Address, wrappedKey string, seq uint64) bool {
	if cur, ok := rec.Keys[accessor]; ok && cur.Seq >= seq {
		return false
	}
	rec.Keys[accessor] = keyEntry{WrappedKey: wrappedKey, Seq: seq}
	return true
}

// syncAccessorTx makes the reverse entry for accessor match the slot.
func syncAccessorTx(tx storage.BatchTx, rec *storedRecord, accessor ident.Address) error {
	recordType := accessorPrefix + accessor.String()
	if rec.Keys[accessor].WrappedKey != "" {
		return tx.Put(recordType, rec.Meta.ID.String(), marker())
	}
	if err := tx.Delete(recordType, rec.Meta.ID.String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Get returns the indexed record of id.
func (i *Index) Get(ctx context.Context, id ident.TranscriptID) (Record, error) {
	rec, err := i.loadRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return rec.view(), nil
}

// ListByOwner returns every record owned by addr, ordered by transcript id.
func (i *Index) ListByOwner(ctx context.Context, addr ident.Address) ([]Record, error) {
	ids, err := i.repo.List(ctx, i.namespace, ownerPrefix+addr.String())
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := i.loadRecord(ctx, ident.TranscriptID(id))
		if err != nil {
			return nil, err
		}
		if rec.Meta.Owner == addr {
			out = append(out, rec.view())
		}
	}
	return out, nil
}

// ListByAccessor returns every record addr currently holds a grant on. Each
// candidate is re-checked against the record itself, so a revoked accessor
// never appears even if a reverse entry were stale.
func (i *Index) ListByAccessor(ctx context.Context, addr ident.Address) ([]Record, error) {
	ids, err := i.repo.List(ctx, i.namespace, accessorPrefix+addr.String())
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := i.loadRecord(ctx, ident.TranscriptID(id))
		if errors.Is(err, ErrUnknownTranscript) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Keys[addr].WrappedKey != "" {
			out = append(out, rec.view())
		}
	}
	return out, nil
}

// RegisterPublicKey records addr's encryption public key. The key must be
// base64 of exactly 32 bytes. Registering again replaces the key.
func (i *Index) RegisterPublicKey(ctx context.Context, addr ident.Address, publicKey string) error {
	if addr.IsZero() {
		return fmt.Errorf("address: %w", ident.ErrInvalidAddress)
	}
	publicKey = strings.TrimSpace(publicKey)
	if _, err := crypto.DecodePublicKey(publicKey); err != nil {
		return fmt.Errorf("address %s: %w: %w", addr, ErrInvalidPublicKey, err)
	}
	env, err := storage.PlainRecord(publicKeyRecord{Address: addr, PublicKey: publicKey, RegisteredAt: i.now().UTC()}, 0)
	if err != nil {
		return err
	}
	if err := i.repo.Put(ctx, i.namespace, recordPublicKey, addr.String(), env); err != nil {
		return err
	}
	i.logger.LogAttrs(ctx, slog.LevelInfo, "public key registered", slog.String("address", addr.String()))
	return nil
}

// GetPublicKey returns addr's base64 public key.
func (i *Index) GetPublicKey(ctx context.Context, addr ident.Address) (string, error) {
	env, err := i.repo.Get(ctx, i.namespace, recordPublicKey, addr.String())
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("address %s: %w", addr, ErrPublicKeyNotFound)
	}
	if err != nil {
		return "", err
	}
	var rec publicKeyRecord
	if err := storage.DecodePlain(env, &rec); err != nil {
		return "", err
	}
	return rec.PublicKey, nil
}

func (i *Index) loadRecord(ctx context.Context, id ident.TranscriptID) (*storedRecord, error) {
	env, err := i.repo.Get(ctx, i.namespace, recordTranscript, id.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("transcript %s: %w", id, ErrUnknownTranscript)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(env)
}

func loadRecordTx(tx storage.BatchTx, id ident.TranscriptID) (*storedRecord, uint64, error) {
	env, err := tx.Get(recordTranscript, id.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("transcript %s: %w", id, ErrUnknownTranscript)
	}
	if err != nil {
		return nil, 0, err
	}
	rec, err := decodeRecord(env)
	if err != nil {
		return nil, 0, err
	}
	return rec, env.Version, nil
}

func decodeRecord(env *storage.Envelope) (*storedRecord, error) {
	var rec storedRecord
	if err := storage.DecodePlain(env, &rec); err != nil {
		return nil, err
	}
	if rec.Keys == nil {
		rec.Keys = make(map[ident.Address]keyEntry)
	}
	return &rec, nil
}

func putRecordTx(tx storage.BatchTx, rec *storedRecord, version uint64) error {
	env, err := storage.PlainRecord(rec, version+1)
	if err != nil {
		return err
	}
	return tx.PutCAS(recordTranscript, rec.Meta.ID.String(), version, env)
}

func marker() *storage.Envelope {
	return &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte("{}")}
}
