package cmd

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/registry"
)

var (
	testTranscript = ident.MustTranscriptID("0xab12" + strings.Repeat("0", 60))
	testMinistry   = ident.MustAddress("0x00000000000000000000000000000000000000aa")
)

// buildTrail returns n audit entries, newest first, each anchored to a
// matching BreakGlassAccess event.
func buildTrail(n int) ([]audit.Entry, map[uint64]registry.Event) {
	entries := make([]audit.Entry, 0, n)
	events := make(map[uint64]registry.Event, n)
	for i := n - 1; i >= 0; i-- {
		seq := uint64(10 + i)
		reason := fmt.Sprintf("court ordered disclosure number %d", i)
		entries = append(entries, audit.Entry{
			ID:           fmt.Sprintf("entry-%d", i),
			TranscriptID: testTranscript,
			Accessor:     testMinistry,
			Reason:       reason,
			Timestamp:    time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
			LedgerSeq:    seq,
		})
		events[seq] = registry.Event{
			Seq:          seq,
			Type:         registry.EventBreakGlassAccess,
			TranscriptID: testTranscript,
			Accessor:     testMinistry,
			Reason:       reason,
		}
	}
	return entries, events
}

func checkStatus(t *testing.T, result verifyResult, name string) string {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	t.Fatalf("check %q not found", name)
	return ""
}

func TestVerify_ValidTrail(t *testing.T) {
	entries, events := buildTrail(4)
	result := verifyAuditTrail(testTranscript, entries, events)

	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.EntryCount)
	assert.Equal(t, 4, result.EventCount)
	for _, c := range result.Checks {
		assert.Equal(t, "pass", c.Status, c.Name)
	}
}

func TestVerify_EmptyTrail(t *testing.T) {
	result := verifyAuditTrail(testTranscript, nil, nil)
	assert.True(t, result.Valid)
	assert.Len(t, result.Checks, 5)
}

func TestVerify_MalformedEntry(t *testing.T) {
	entries, events := buildTrail(2)
	entries[1].Accessor = ""
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "entries_well_formed"))
}

func TestVerify_ForeignTranscript(t *testing.T) {
	entries, events := buildTrail(2)
	entries[0].TranscriptID = ident.MustTranscriptID("0xcd34" + strings.Repeat("0", 60))
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "entries_well_formed"))
}

func TestVerify_DuplicateIDs(t *testing.T) {
	entries, events := buildTrail(3)
	entries[2].ID = entries[0].ID
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "no_duplicates"))
}

func TestVerify_DuplicateLedgerSeq(t *testing.T) {
	entries, events := buildTrail(3)
	entries[2].LedgerSeq = entries[1].LedgerSeq
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "no_duplicates"))
}

func TestVerify_TamperedReason(t *testing.T) {
	entries, events := buildTrail(3)
	entries[1].Reason = "something else entirely"
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "ledger_anchored"))
}

func TestVerify_UnknownLedgerSeq(t *testing.T) {
	entries, events := buildTrail(2)
	entries[0].LedgerSeq = 999
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(t, result, "ledger_anchored"))
}

func TestVerify_UnanchoredEntryWarns(t *testing.T) {
	entries, events := buildTrail(2)
	delete(events, entries[0].LedgerSeq)
	entries[0].LedgerSeq = 0
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.True(t, result.Valid)
	assert.Equal(t, "warn", checkStatus(t, result, "ledger_anchored"))
	assert.Equal(t, "pass", checkStatus(t, result, "ledger_covered"))
}

func TestVerify_LedgerDisclosureWithoutEntryWarns(t *testing.T) {
	entries, events := buildTrail(3)
	result := verifyAuditTrail(testTranscript, entries[1:], events)
	assert.True(t, result.Valid, "an audit write failure after the ledger write is not tampering")
	assert.Equal(t, "warn", checkStatus(t, result, "ledger_covered"))
}

func TestVerify_OrderingWarns(t *testing.T) {
	entries, events := buildTrail(3)
	entries[0], entries[2] = entries[2], entries[0]
	result := verifyAuditTrail(testTranscript, entries, events)
	assert.True(t, result.Valid)
	assert.Equal(t, "warn", checkStatus(t, result, "newest_first"))
}

func TestVerify_ResultAccumulatesFailures(t *testing.T) {
	var r verifyResult
	r.Valid = true
	r.add("a", "pass", "")
	r.add("b", "warn", "meh")
	require.True(t, r.Valid)
	r.add("c", "fail", "bad")
	assert.False(t, r.Valid)
	assert.Len(t, r.Checks, 3)
}
