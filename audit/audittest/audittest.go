// Package audittest holds the behaviour every audit.Log must share.
package audittest

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/internal/uuid"
)

var (
	t1       = ident.MustTranscriptID("0x" + strings.Repeat("11", 32))
	t2       = ident.MustTranscriptID("0x" + strings.Repeat("22", 32))
	ministry = ident.MustAddress("0x0000000000000000000000000000000000000002")
	base     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func entry(id ident.TranscriptID, at time.Time, reason string) audit.Entry {
	return audit.Entry{
		ID:           uuid.NewOrdered(),
		TranscriptID: id,
		Accessor:     ministry,
		Reason:       reason,
		Timestamp:    at,
	}
}

// Run exercises newLog against the audit.Log contract. Each subtest gets a
// fresh log.
func Run(t *testing.T, newLog func(t *testing.T) audit.Log) {
	t.Run("ScanNewestFirst", func(t *testing.T) {
		l := newLog(t)
		ctx := t.Context()
		older := entry(t1, base, "first disclosure")
		newer := entry(t1, base.Add(time.Minute), "second disclosure")
		newer.CourtOrder = "CO-2025-17"
		newer.LedgerSeq = 9
		require.NoError(t, l.PutAuditEntry(ctx, older))
		require.NoError(t, l.PutAuditEntry(ctx, newer))
		require.NoError(t, l.PutAuditEntry(ctx, entry(t2, base.Add(time.Hour), "other transcript")))

		got, err := l.ScanAuditEntries(ctx, t1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].ID)
		assert.Equal(t, "CO-2025-17", got[0].CourtOrder)
		assert.Equal(t, uint64(9), got[0].LedgerSeq)
		assert.True(t, newer.Timestamp.Equal(got[0].Timestamp))
		assert.Equal(t, ministry, got[0].Accessor)
		assert.Equal(t, older.ID, got[1].ID)
	})

	t.Run("ScanEmpty", func(t *testing.T) {
		l := newLog(t)
		got, err := l.ScanAuditEntries(t.Context(), t1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		l := newLog(t)
		ctx := t.Context()
		e := entry(t1, base, "first disclosure")
		require.NoError(t, l.PutAuditEntry(ctx, e))

		e.Reason = "rewritten history"
		assert.ErrorIs(t, l.PutAuditEntry(ctx, e), audit.ErrDuplicateEntry)

		got, err := l.ScanAuditEntries(ctx, t1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "first disclosure", got[0].Reason)
	})

	t.Run("InvalidRejected", func(t *testing.T) {
		l := newLog(t)
		e := entry(t1, base, "reason text")
		e.ID = ""
		assert.ErrorIs(t, l.PutAuditEntry(t.Context(), e), audit.ErrInvalidEntry)
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		l := newLog(t)
		ctx := t.Context()
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, l.PutAuditEntry(ctx, entry(t1, base.Add(time.Duration(i)*time.Second), "concurrent disclosure")))
			}()
		}
		wg.Wait()

		got, err := l.ScanAuditEntries(ctx, t1)
		require.NoError(t, err)
		require.Len(t, got, 20)
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].Timestamp.After(got[i-1].Timestamp))
		}
	})
}
