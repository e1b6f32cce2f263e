// Package registry is the authoritative ledger of transcript issuance,
// per-accessor key grants and the break-glass lifecycle.
//
// Every mutation is serialized, numbered with the next ledger sequence number
// and committed together with its event in one storage batch, so the event
// log and the state can never disagree. The log is replayable from any
// sequence number through EventsSince.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

const (
	DefaultNamespace = "registry"

	recordHead       = "ledger"
	recordTranscript = "transcript"
	recordBreakGlass = "breakglass"
	recordRole       = "role"
	recordEvent      = "event"

	headID = "head"
)

// EscrowWriter receives the ministry escrow key during issuance.
type EscrowWriter interface {
	// PutEscrowedKey stores the hex wire form. It must be create-only.
	PutEscrowedKey(ctx context.Context, id ident.TranscriptID, wrappedKeyHex string) error
	// DiscardEscrowedKey removes a key whose issuance failed to commit. It
	// must succeed when no key is stored.
	DiscardEscrowedKey(ctx context.Context, id ident.TranscriptID) error
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With("component", "registry")
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithNamespace stores the ledger under a non-default namespace.
func WithNamespace(namespace string) Option {
	return func(r *Registry) {
		r.namespace = namespace
	}
}

// Registry is the in-process ledger.
type Registry struct {
	repo      storage.Repository
	escrow    EscrowWriter
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	// mu is the ledger's total order.
	mu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int
}

type ledgerHead struct {
	Seq uint64 `json:"seq"`
}

// New opens the ledger stored in repo. On an empty store it writes the
// genesis state, granting RoleAdmin to admin.
func New(ctx context.Context, repo storage.Repository, escrow EscrowWriter, admin ident.Address, opts ...Option) (*Registry, error) {
	if escrow == nil {
		return nil, fmt.Errorf("escrow writer: %w", ErrInvalidArgument)
	}
	r := &Registry{
		repo:      repo,
		escrow:    escrow,
		namespace: DefaultNamespace,
		logger:    slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "registry"),
		now:       time.Now,
		subs:      make(map[int]chan uint64),
	}
	for _, opt := range opts {
		opt(r)
	}

	_, err := r.repo.Get(ctx, r.namespace, recordHead, headID)
	switch {
	case err == nil:
		return r, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading ledger head: %w", err)
	}

	if admin.IsZero() {
		return nil, fmt.Errorf("genesis admin: %w", ErrInvalidArgument)
	}
	head, err := storage.PlainRecord(ledgerHead{}, 1)
	if err != nil {
		return nil, err
	}
	if err := r.repo.PutCAS(ctx, r.namespace, recordHead, headID, 0, head); err != nil && !errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("writing genesis: %w", err)
	}
	if _, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		held, err := hasRoleTx(tx, RoleAdmin, admin)
		if err != nil || held {
			return false, err
		}
		ev.Type, ev.Actor, ev.Accessor, ev.Role = EventRoleGranted, admin, admin, RoleAdmin
		return true, putRoleTx(tx, RoleAdmin, admin)
	}); err != nil {
		return nil, fmt.Errorf("granting genesis admin: %w", err)
	}
	r.logger.Info("ledger initialised", slog.String("admin", admin.String()))
	return r, nil
}

// mutation stages state writes on tx and fills in ev. Returning false commits
// nothing and appends no event.
type mutation func(tx storage.BatchTx, ev *Event) (bool, error)

// apply runs one serialized ledger mutation.
func (r *Registry) apply(ctx context.Context, fn mutation) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(ctx, fn)
}

func (r *Registry) applyLocked(ctx context.Context, fn mutation) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	var ev Event
	appended := false
	err := r.repo.Batch(ctx, r.namespace, func(tx storage.BatchTx) error {
		headEnv, err := tx.Get(recordHead, headID)
		if err != nil {
			return fmt.Errorf("loading ledger head: %w", err)
		}
		var head ledgerHead
		if err := storage.DecodePlain(headEnv, &head); err != nil {
			return err
		}

		ev = Event{Seq: head.Seq + 1, At: r.now().UTC()}
		ok, err := fn(tx, &ev)
		if err != nil || !ok {
			return err
		}

		evEnv, err := storage.PlainRecord(ev, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordEvent, eventKey(ev.Seq), 0, evEnv); err != nil {
			return fmt.Errorf("appending event %d: %w", ev.Seq, ledgerConflict(err))
		}
		next, err := storage.PlainRecord(ledgerHead{Seq: ev.Seq}, headEnv.Version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordHead, headID, headEnv.Version, next); err != nil {
			return fmt.Errorf("advancing ledger head: %w", ledgerConflict(err))
		}
		appended = true
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	if !appended {
		return Event{}, nil
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "ledger event",
		slog.Uint64("seq", ev.Seq),
		slog.String("type", string(ev.Type)),
		slog.String("actor", ev.Actor.String()),
		slog.String("transcript_id", ev.TranscriptID.String()),
	)
	r.publish(ev.Seq)
	return ev, nil
}

func ledgerConflict(err error) error {
	if errors.Is(err, storage.ErrCASFailed) {
		return ErrLedgerConflict
	}
	return err
}

func eventKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Head returns the sequence number of the last committed event.
func (r *Registry) Head(ctx context.Context) (uint64, error) {
	env, err := r.repo.Get(ctx, r.namespace, recordHead, headID)
	if err != nil {
		return 0, fmt.Errorf("loading ledger head: %w", err)
	}
	var head ledgerHead
	if err := storage.DecodePlain(env, &head); err != nil {
		return 0, err
	}
	return head.Seq, nil
}

// EventsSince returns up to limit events with Seq > after, in order.
// A limit of 0 or less means no limit.
func (r *Registry) EventsSince(ctx context.Context, after uint64, limit int) ([]Event, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return nil, err
	}
	var events []Event
	for seq := after + 1; seq <= head; seq++ {
		if limit > 0 && len(events) >= limit {
			break
		}
		env, err := r.repo.Get(ctx, r.namespace, recordEvent, eventKey(seq))
		if err != nil {
			return nil, fmt.Errorf("loading event %d: %w", seq, err)
		}
		var ev Event
		if err := storage.DecodePlain(env, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe returns a channel that receives the latest committed sequence
// number after each commit. Notifications coalesce: a slow reader sees only
// the newest value and must catch up with EventsSince. The returned function
// unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan uint64, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan uint64, 1)
	r.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func (r *Registry) publish(seq uint64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- seq:
		default:
			// Replace the stale pending value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- seq:
			default:
			}
		}
	}
}
