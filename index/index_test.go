package index

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage/memory"
)

var (
	admin      = ident.MustAddress("0x00000000000000000000000000000000000000ad")
	university = ident.MustAddress("0x0000000000000000000000000000000000000001")
	ministry   = ident.MustAddress("0x0000000000000000000000000000000000000002")
	student    = ident.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	accessorB  = ident.MustAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	employer   = ident.MustAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	t1 = ident.MustTranscriptID("0x" + strings.Repeat("11", 32))
	t2 = ident.MustTranscriptID("0x" + strings.Repeat("22", 32))
)

func issued(seq uint64, id ident.TranscriptID, owner ident.Address, key string) registry.Event {
	return registry.Event{
		Seq:            seq,
		Type:           registry.EventTranscriptIssued,
		Actor:          university,
		TranscriptID:   id,
		Owner:          owner,
		Accessor:       owner,
		WrappedKey:     key,
		ContentLocator: "sha256:feed",
		ContentHash:    "0x" + strings.Repeat("ab", 32),
		IssuedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func granted(seq uint64, id ident.TranscriptID, accessor ident.Address, key string) registry.Event {
	return registry.Event{Seq: seq, Type: registry.EventAccessGranted, TranscriptID: id, Accessor: accessor, WrappedKey: key}
}

func revoked(seq uint64, id ident.TranscriptID, accessor ident.Address) registry.Event {
	return registry.Event{Seq: seq, Type: registry.EventAccessRevoked, TranscriptID: id, Accessor: accessor}
}

func ids(recs []Record) []ident.TranscriptID {
	out := make([]ident.TranscriptID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestOnIssuedIndexesOwner(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())

	require.NoError(t, idx.OnIssued(ctx, issued(1, t1, student, "K_owner")))

	recs, err := idx.ListByOwner(ctx, student)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, t1, recs[0].ID)
	assert.Equal(t, university, recs[0].Issuer)
	assert.Equal(t, "K_owner", recs[0].WrappedKeys[student])

	recs, err = idx.ListByAccessor(ctx, student)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the owner holds a key on their own transcript")
	assert.Equal(t, t1, recs[0].ID)
	assert.Equal(t, "K_owner", recs[0].WrappedKeys[student])
}

func TestGrantAndRevokeMaintainReverseIndex(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())
	require.NoError(t, idx.OnIssued(ctx, issued(1, t1, student, "K_owner")))
	require.NoError(t, idx.OnIssued(ctx, issued(2, t2, student, "K_owner2")))

	require.NoError(t, idx.OnAccessGranted(ctx, granted(3, t1, accessorB, "K_bbb")))
	require.NoError(t, idx.OnEmergencyGranted(ctx, registry.Event{
		Seq: 4, Type: registry.EventEmergencyAccessGranted, TranscriptID: t2, Accessor: accessorB, WrappedKey: "K_em",
	}))

	recs, err := idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Equal(t, []ident.TranscriptID{t1, t2}, ids(recs))

	require.NoError(t, idx.OnAccessRevoked(ctx, revoked(5, t1, accessorB)))
	recs, err = idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Equal(t, []ident.TranscriptID{t2}, ids(recs))

	rec, err := idx.Get(ctx, t1)
	require.NoError(t, err)
	_, ok := rec.WrappedKeys[accessorB]
	assert.False(t, ok)
}

func TestHandlersSkipStaleEvents(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())
	require.NoError(t, idx.Apply(ctx, issued(1, t1, student, "K_owner")))
	require.NoError(t, idx.Apply(ctx, granted(2, t1, accessorB, "K_bbb")))
	require.NoError(t, idx.Apply(ctx, revoked(3, t1, accessorB)))

	// Re-delivering the grant must not resurrect it.
	require.NoError(t, idx.Apply(ctx, granted(2, t1, accessorB, "K_bbb")))
	recs, err := idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Re-delivering the issue does not clobber later writes to other slots.
	require.NoError(t, idx.Apply(ctx, granted(4, t1, employer, "K_ccc")))
	require.NoError(t, idx.Apply(ctx, issued(1, t1, student, "K_owner")))
	rec, err := idx.Get(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, map[ident.Address]string{student: "K_owner", employer: "K_ccc"}, rec.WrappedKeys)
}

func TestLastGrantWins(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())
	require.NoError(t, idx.Apply(ctx, issued(1, t1, student, "K_owner")))
	require.NoError(t, idx.Apply(ctx, granted(2, t1, accessorB, "K1")))
	require.NoError(t, idx.Apply(ctx, granted(3, t1, accessorB, "K2")))

	rec, err := idx.Get(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, "K2", rec.WrappedKeys[accessorB])
}

func TestGrantForUnknownTranscriptFails(t *testing.T) {
	idx := New(memory.NewRepository())
	err := idx.Apply(t.Context(), granted(2, t1, accessorB, "K_bbb"))
	assert.ErrorIs(t, err, ErrUnknownTranscript)
}

func TestApplyIgnoresOtherEvents(t *testing.T) {
	idx := New(memory.NewRepository())
	err := idx.Apply(t.Context(), registry.Event{Seq: 1, Type: registry.EventRoleGranted, Role: registry.RoleIssuer})
	assert.NoError(t, err)
}

func TestPublicKeys(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())

	_, err := idx.GetPublicKey(ctx, student)
	assert.ErrorIs(t, err, ErrPublicKeyNotFound)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pub := crypto.EncodePublicKey(kp.Public)
	require.NoError(t, idx.RegisterPublicKey(ctx, student, pub))

	got, err := idx.GetPublicKey(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	kp2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, idx.RegisterPublicKey(ctx, student, crypto.EncodePublicKey(kp2.Public)))
	got, err = idx.GetPublicKey(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, crypto.EncodePublicKey(kp2.Public), got)
}

func TestRegisterPublicKeyRejectsBadKeys(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())

	for name, key := range map[string]string{
		"short":      base64.StdEncoding.EncodeToString(make([]byte, 31)),
		"long":       base64.StdEncoding.EncodeToString(make([]byte, 33)),
		"not base64": "%%%not-base64%%%",
		"empty":      "",
	} {
		t.Run(name, func(t *testing.T) {
			err := idx.RegisterPublicKey(ctx, student, key)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
	_, err := idx.GetPublicKey(ctx, student)
	assert.ErrorIs(t, err, ErrPublicKeyNotFound)
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

type nopEscrow struct{}

func (nopEscrow) PutEscrowedKey(context.Context, ident.TranscriptID, string) error { return nil }
func (nopEscrow) DiscardEscrowedKey(context.Context, ident.TranscriptID) error     { return nil }

func escrowKey(t *testing.T) string {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	wk, err := crypto.Seal([]byte("content-key"), kp.Public)
	require.NoError(t, err)
	h, err := wk.Hex()
	require.NoError(t, err)
	return h
}

func newLedger(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(t.Context(), memory.NewRepository(), nopEscrow{}, admin)
	require.NoError(t, err)
	require.NoError(t, reg.GrantRole(t.Context(), admin, registry.RoleIssuer, university))
	require.NoError(t, reg.GrantRole(t.Context(), admin, registry.RoleMinistry, ministry))
	return reg
}

func issueT1(t *testing.T, reg *registry.Registry) {
	t.Helper()
	_, err := reg.Issue(t.Context(), university, registry.IssueRequest{
		ID:               t1,
		Owner:            student,
		ContentLocator:   "sha256:feed",
		ContentHash:      "0x" + strings.Repeat("ab", 32),
		OwnerWrappedKey:  "K_owner",
		EscrowWrappedKey: escrowKey(t),
	})
	require.NoError(t, err)
}

func TestScenarioListByAccessorFollowsGrantAndRevoke(t *testing.T) {
	ctx := t.Context()
	reg := newLedger(t)
	idx := New(memory.NewRepository())
	l := NewListener(idx, reg, NewMemoryCheckpoints())

	issueT1(t, reg)
	require.NoError(t, reg.GrantAccess(ctx, student, t1, accessorB, "K_bbb"))
	_, err := l.CatchUp(ctx)
	require.NoError(t, err)

	recs, err := idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Equal(t, []ident.TranscriptID{t1}, ids(recs))

	require.NoError(t, reg.RevokeAccess(ctx, student, t1, accessorB))
	_, err = l.CatchUp(ctx)
	require.NoError(t, err)

	recs, err = idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Empty(t, recs)

	head, err := reg.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, l.Checkpoint())
}

func TestListenerRunFollowsLedger(t *testing.T) {
	reg := newLedger(t)
	idx := New(memory.NewRepository())
	l := NewListener(idx, reg, NewMemoryCheckpoints(), WithBatchSize(2))

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = l.Run(ctx)
	}()

	issueT1(t, reg)
	require.NoError(t, reg.GrantAccess(t.Context(), student, t1, employer, "K_ccc"))

	require.Eventually(t, func() bool {
		recs, err := idx.ListByAccessor(t.Context(), employer)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}

func TestReplayRebuildsFreshIndex(t *testing.T) {
	ctx := t.Context()
	reg := newLedger(t)
	issueT1(t, reg)
	require.NoError(t, reg.GrantAccess(ctx, student, t1, accessorB, "K_bbb"))
	require.NoError(t, reg.GrantAccess(ctx, student, t1, employer, "K_ccc"))
	require.NoError(t, reg.RevokeAccess(ctx, student, t1, accessorB))

	checkpoints := NewMemoryCheckpoints()
	first := New(memory.NewRepository())
	_, err := NewListener(first, reg, checkpoints).CatchUp(ctx)
	require.NoError(t, err)

	rebuilt := New(memory.NewRepository())
	l := NewListener(rebuilt, reg, checkpoints)
	n, err := l.Replay(ctx, 0)
	require.NoError(t, err)
	head, err := reg.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int(head), n)
	assert.Equal(t, head, l.Checkpoint(), "replay does not move the checkpoint backwards")

	want, err := first.Get(ctx, t1)
	require.NoError(t, err)
	got, err := rebuilt.Get(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Replaying again over an up-to-date index changes nothing.
	_, err = l.Replay(ctx, 0)
	require.NoError(t, err)
	again, err := rebuilt.Get(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, want, again)
}

type staticSource struct {
	events []registry.Event
}

func (s *staticSource) EventsSince(_ context.Context, after uint64, limit int) ([]registry.Event, error) {
	var out []registry.Event
	for _, ev := range s.events {
		if ev.Seq > after && (limit <= 0 || len(out) < limit) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *staticSource) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64)
	return ch, func() {}
}

func TestListenerRecordsFailuresAndContinues(t *testing.T) {
	ctx := t.Context()
	src := &staticSource{events: []registry.Event{
		granted(1, t1, accessorB, "K_bbb"),
		issued(2, t1, student, "K_owner"),
		granted(3, t1, employer, "K_ccc"),
	}}
	idx := New(memory.NewRepository())
	l := NewListener(idx, src, NewMemoryCheckpoints())

	n, err := l.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), l.Checkpoint())

	failed, err := idx.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(1), failed[0].Event.Seq)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "not indexed")

	recovered, err := idx.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	failed, err = idx.FailedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	recs, err := idx.ListByAccessor(ctx, accessorB)
	require.NoError(t, err)
	assert.Equal(t, []ident.TranscriptID{t1}, ids(recs))
}

func TestRetryFailedKeepsUnrecoverable(t *testing.T) {
	ctx := t.Context()
	idx := New(memory.NewRepository())
	src := &staticSource{events: []registry.Event{granted(1, t2, accessorB, "K")}}
	_, err := NewListener(idx, src, NewMemoryCheckpoints()).CatchUp(ctx)
	require.NoError(t, err)

	recovered, err := idx.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	failed, err := idx.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func TestMemoryCheckpointsNeverRollBack(t *testing.T) {
	ctx := t.Context()
	c := NewMemoryCheckpoints()
	assert.Zero(t, c.LastApplied("a"))
	require.NoError(t, c.SetLastApplied(ctx, "a", 5))
	require.NoError(t, c.SetLastApplied(ctx, "a", 5))
	assert.ErrorIs(t, c.SetLastApplied(ctx, "a", 4), ErrCheckpointRollback)
	assert.Equal(t, uint64(5), c.LastApplied("a"))
	assert.Zero(t, c.LastApplied("b"))
}

func TestBoltCheckpointsPersist(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	c, err := NewBoltCheckpoints(db)
	require.NoError(t, err)
	require.NoError(t, c.SetLastApplied(ctx, DefaultConsumer, 42))
	assert.ErrorIs(t, c.SetLastApplied(ctx, DefaultConsumer, 41), ErrCheckpointRollback)
	require.NoError(t, db.Close())

	db, err = bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()
	c, err = NewBoltCheckpoints(db)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.LastApplied(DefaultConsumer))
	assert.ErrorIs(t, c.SetLastApplied(ctx, DefaultConsumer, 1), ErrCheckpointRollback)
}
