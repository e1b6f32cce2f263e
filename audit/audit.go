// Package audit keeps the off-chain, append-only log of emergency
// disclosures.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

var (
	ErrDuplicateEntry = errors.New("audit entry already exists")
	ErrInvalidEntry   = errors.New("invalid audit entry")
)

// Entry records one break-glass disclosure.
type Entry struct {
	ID           string             `json:"id"`
	TranscriptID ident.TranscriptID `json:"transcriptId"`
	Accessor     ident.Address      `json:"accessor"`
	Reason       string             `json:"reason"`
	CourtOrder   string             `json:"courtOrder,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	// LedgerSeq is the sequence number of the matching BreakGlassAccess
	// ledger event, when one was recorded.
	LedgerSeq uint64 `json:"ledgerSeq,omitempty"`
}

// Log is an append-only audit log. Entries are never updated or removed.
type Log interface {
	// PutAuditEntry appends e. An entry with an existing ID fails with
	// ErrDuplicateEntry.
	PutAuditEntry(ctx context.Context, e Entry) error
	// ScanAuditEntries returns every entry for id, newest first.
	ScanAuditEntries(ctx context.Context, id ident.TranscriptID) ([]Entry, error)
}

// Validate checks the fields every backend requires.
func (e Entry) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	case e.TranscriptID == "":
		return fmt.Errorf("%w: missing transcript id", ErrInvalidEntry)
	case e.Accessor.IsZero():
		return fmt.Errorf("%w: missing accessor", ErrInvalidEntry)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEntry)
	}
	return nil
}

// SortNewestFirst orders entries by timestamp descending. Ties fall back to
// ID descending so the order is stable across backends.
func SortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID > entries[j].ID
	})
}
