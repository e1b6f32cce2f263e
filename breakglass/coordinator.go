// Package breakglass runs the ministry's emergency disclosure workflow: it
// hands out the escrowed wrapped key only after the disclosure has been
// recorded on the ledger and in the audit log.
package breakglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/escrow"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
	"github.com/abdoulaahmad/transcrypt2/internal/uuid"
	"github.com/abdoulaahmad/transcrypt2/notify"
	"github.com/abdoulaahmad/transcrypt2/registry"
)

// MinReasonLength is the minimum reason length in characters, counted after
// normalization.
const MinReasonLength = 10

type EscrowReader interface {
	GetEscrowedKey(ctx context.Context, id ident.TranscriptID) (string, error)
}

type Ledger interface {
	RecordEmergencyDisclosure(ctx context.Context, caller ident.Address, id ident.TranscriptID, reason, courtOrder string) (uint64, error)
	GetTranscriptMeta(ctx context.Context, id ident.TranscriptID) (registry.Meta, error)
}

type OwnerIndex interface {
	ListByOwner(ctx context.Context, owner ident.Address) ([]index.Record, error)
}

// ExecuteRequest carries the arguments of Execute.
type ExecuteRequest struct {
	TranscriptID ident.TranscriptID
	Caller       ident.Address
	Reason       string
	CourtOrder   string
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger.With("component", "breakglass")
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithRetryPolicy(p util.ReadRetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// Coordinator is the emergency disclosure coordinator.
type Coordinator struct {
	ministry ident.Address
	escrow   EscrowReader
	audit    audit.Log
	ledger   Ledger
	owners   OwnerIndex
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	retry    util.ReadRetryPolicy
}

// New returns a coordinator that only serves ministry. A nil notifier logs
// notices instead.
func New(ministry ident.Address, esc EscrowReader, log audit.Log, ledger Ledger, owners OwnerIndex, notifier notify.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		ministry: ministry,
		escrow:   esc,
		audit:    log,
		ledger:   ledger,
		owners:   owners,
		notifier: notifier,
		logger:   slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "breakglass"),
		now:      time.Now,
		retry:    util.DefaultReadRetryPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = notify.NewLogNotifier(c.logger)
	}
	return c
}

// Execute discloses the escrowed wrapped key of req.TranscriptID to the
// ministry and returns it in hex form. The disclosure is written to the
// ledger and the audit log before the key is returned; the owner is then
// notified on a best-effort basis.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	if req.Caller.IsZero() || req.Caller != c.ministry {
		return "", fmt.Errorf("caller %s: %w", req.Caller, ErrUnauthorized)
	}
	reason := util.NormalizeText(req.Reason)
	courtOrder := util.NormalizeText(req.CourtOrder)
	if utf8.RuneCountInString(reason) < MinReasonLength {
		return "", fmt.Errorf("%w: reason must be at least %d characters", ErrInvalidRequest, MinReasonLength)
	}
	if _, err := ident.ParseTranscriptID(req.TranscriptID.String()); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	id := req.TranscriptID

	wrapped, err := util.RetryRead(ctx, c.retry, isPermanent, func(ctx context.Context) (string, error) {
		return c.escrow.GetEscrowedKey(ctx, id)
	})
	if errors.Is(err, escrow.ErrNotFound) {
		return "", fmt.Errorf("transcript %s: %w", id, ErrKeyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("transcript %s: loading escrowed key: %w", id, err)
	}

	hexKey, err := envelope.Normalize(wrapped)
	if err != nil {
		return "", fmt.Errorf("transcript %s: %w", id, err)
	}

	seq, err := c.ledger.RecordEmergencyDisclosure(ctx, req.Caller, id, reason, courtOrder)
	if err != nil {
		return "", fmt.Errorf("transcript %s: %w: ledger: %w", id, ErrAuditLogFailure, err)
	}
	at := c.now().UTC()
	entry := audit.Entry{
		ID:           uuid.NewOrdered(),
		TranscriptID: id,
		Accessor:     req.Caller,
		Reason:       reason,
		CourtOrder:   courtOrder,
		Timestamp:    at,
		LedgerSeq:    seq,
	}
	if err := c.audit.PutAuditEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("transcript %s: %w: %w", id, ErrAuditLogFailure, err)
	}

	c.notifyOwner(ctx, id, req.Caller, reason, courtOrder, at)

	c.logger.LogAttrs(ctx, slog.LevelWarn, "emergency access executed",
		slog.String("transcript_id", id.String()),
		slog.String("accessor", req.Caller.String()),
		slog.Uint64("ledger_seq", seq),
		slog.String("audit_id", entry.ID),
	)
	return hexKey, nil
}

func (c *Coordinator) notifyOwner(ctx context.Context, id ident.TranscriptID, accessor ident.Address, reason, courtOrder string, at time.Time) {
	ctx = context.WithoutCancel(ctx)
	meta, err := c.ledger.GetTranscriptMeta(ctx, id)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "transcript not found for notification",
			slog.String("transcript_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	err = c.notifier.Notify(ctx, notify.Notice{
		TranscriptID: id,
		Owner:        meta.Owner,
		Accessor:     accessor,
		Reason:       reason,
		CourtOrder:   courtOrder,
		Timestamp:    at,
	})
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "failed to notify owner",
			slog.String("transcript_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// AccessHistory returns the disclosures of id, newest first.
func (c *Coordinator) AccessHistory(ctx context.Context, id ident.TranscriptID) ([]audit.Entry, error) {
	entries, err := c.audit.ScanAuditEntries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}
	return entries, nil
}

// OwnerAccessHistory returns the disclosures of every transcript owner
// holds, newest first.
func (c *Coordinator) OwnerAccessHistory(ctx context.Context, owner ident.Address) ([]audit.Entry, error) {
	records, err := c.owners.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("owner %s: %w", owner, err)
	}
	var all []audit.Entry
	for _, rec := range records {
		entries, err := c.AccessHistory(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	audit.SortNewestFirst(all)
	return all, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, escrow.ErrNotFound) ||
		errors.Is(err, envelope.ErrMalformedEnvelope) ||
		errors.Is(err, util.ErrGCMOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
