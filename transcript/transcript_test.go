package transcript

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/breakglass"
	"github.com/abdoulaahmad/transcrypt2/content"
	"github.com/abdoulaahmad/transcrypt2/escrow"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage/memory"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

var (
	admin      = ident.MustAddress("0x00000000000000000000000000000000000000ad")
	university = ident.MustAddress("0x0000000000000000000000000000000000000001")
	ministry   = ident.MustAddress("0x0000000000000000000000000000000000000002")
	student    = ident.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	employer   = ident.MustAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	outsider   = ident.MustAddress("0xdddddddddddddddddddddddddddddddddddddddd")

	plaintext = []byte(`{"student":"A. Student","gpa":"3.9","courses":["Cryptography","Distributed Systems"]}`)
)

type env struct {
	reg      *registry.Registry
	idx      *index.Index
	blobs    *content.MemoryStore
	wallets  *wallet.MemoryAgent
	escrow   *escrow.Store
	svc      *Service
	listener *index.Listener
}

func quiet() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := t.Context()
	esc, err := escrow.New(memory.NewRepository(), bytes.Repeat([]byte{3}, 32), escrow.WithLogger(quiet()))
	require.NoError(t, err)
	reg, err := registry.New(ctx, memory.NewRepository(), esc, admin, registry.WithLogger(quiet()))
	require.NoError(t, err)
	require.NoError(t, reg.GrantRole(ctx, admin, registry.RoleIssuer, university))
	require.NoError(t, reg.GrantRole(ctx, admin, registry.RoleMinistry, ministry))

	idx := index.New(memory.NewRepository(), index.WithLogger(quiet()))
	wallets := wallet.NewMemoryAgent()
	for _, addr := range []ident.Address{student, employer, ministry, outsider} {
		pub, err := wallets.Generate(addr)
		require.NoError(t, err)
		require.NoError(t, idx.RegisterPublicKey(ctx, addr, pub))
	}

	blobs := content.NewMemoryStore()
	return &env{
		reg:      reg,
		idx:      idx,
		blobs:    blobs,
		wallets:  wallets,
		escrow:   esc,
		svc:      New(reg, blobs, idx, ministry, WithLogger(quiet())),
		listener: index.NewListener(idx, reg, index.NewMemoryCheckpoints()),
	}
}

func (e *env) issue(t *testing.T) registry.Meta {
	t.Helper()
	meta, err := e.svc.Issue(t.Context(), university, IssueInput{ID: "TRX-2025-0001", Owner: student, Plaintext: plaintext})
	require.NoError(t, err)
	return meta
}

func TestIssueAndOwnerRead(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t)
	meta := e.issue(t)

	derived, err := ident.DeriveTranscriptID("TRX-2025-0001")
	require.NoError(t, err)
	assert.Equal(t, derived, meta.ID)
	assert.Equal(t, content.Locator(mustBlob(t, e, meta.ContentLocator)), meta.ContentLocator)
	assert.Equal(t, university, meta.Issuer)

	got, err := e.svc.Read(ctx, e.wallets, student, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// The escrow copy is held for the ministry and opens with its key.
	escrowed, err := e.escrow.GetEscrowedKey(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(escrowed, "0x"))
	_, err = e.wallets.Unseal(ctx, ministry, escrowed)
	require.NoError(t, err)
}

func mustBlob(t *testing.T, e *env, loc string) []byte {
	t.Helper()
	b, err := e.blobs.Get(t.Context(), loc)
	require.NoError(t, err)
	return b
}

func TestShareThenRevoke(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t)
	meta := e.issue(t)

	_, err := e.svc.Read(ctx, e.wallets, employer, meta.ID)
	assert.ErrorIs(t, err, registry.ErrUnauthorizedAccess)

	require.NoError(t, e.svc.Share(ctx, e.wallets, student, meta.ID, employer))
	got, err := e.svc.Read(ctx, e.wallets, employer, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = e.listener.CatchUp(ctx)
	require.NoError(t, err)
	recs, err := e.idx.ListByAccessor(ctx, employer)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, e.reg.RevokeAccess(ctx, student, meta.ID, employer))
	_, err = e.svc.Read(ctx, e.wallets, employer, meta.ID)
	assert.ErrorIs(t, err, registry.ErrUnauthorizedAccess)
}

func TestOnlyOwnerCanShare(t *testing.T) {
	e := newEnv(t)
	meta := e.issue(t)
	require.NoError(t, e.svc.Share(t.Context(), e.wallets, student, meta.ID, employer))

	// The employer can unseal its own copy but is not the owner.
	err := e.svc.Share(t.Context(), e.wallets, employer, meta.ID, outsider)
	assert.ErrorIs(t, err, registry.ErrUnauthorizedAccess)
}

func TestIssueRequiresRegisteredKeys(t *testing.T) {
	e := newEnv(t)
	stranger := ident.MustAddress("0x1111111111111111111111111111111111111111")
	_, err := e.svc.Issue(t.Context(), university, IssueInput{Owner: stranger, Plaintext: plaintext})
	assert.ErrorIs(t, err, index.ErrPublicKeyNotFound)
}

func TestIssueRequiresIssuerRole(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Issue(t.Context(), outsider, IssueInput{Owner: student, Plaintext: plaintext})
	assert.ErrorIs(t, err, registry.ErrUnauthorizedAccess)
}

type tamperedLedger struct {
	Ledger
}

func (l tamperedLedger) GetTranscriptMeta(ctx context.Context, id ident.TranscriptID) (registry.Meta, error) {
	meta, err := l.Ledger.GetTranscriptMeta(ctx, id)
	meta.ContentHash = "0x" + strings.Repeat("00", 32)
	return meta, err
}

func TestReadDetectsHashMismatch(t *testing.T) {
	e := newEnv(t)
	meta := e.issue(t)
	svc := New(tamperedLedger{Ledger: e.reg}, e.blobs, e.idx, ministry, WithLogger(quiet()))
	_, err := svc.Read(t.Context(), e.wallets, student, meta.ID)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

type emptyStore struct{ content.Store }

func (emptyStore) Get(context.Context, string) ([]byte, error) { return nil, content.ErrNotFound }

func TestReadMissingContent(t *testing.T) {
	e := newEnv(t)
	meta := e.issue(t)
	svc := New(e.reg, emptyStore{}, e.idx, ministry, WithLogger(quiet()),
		WithRetryPolicy(util.ReadRetryPolicy{Attempts: 3, Backoff: time.Millisecond}))
	_, err := svc.Read(t.Context(), e.wallets, student, meta.ID)
	assert.ErrorIs(t, err, content.ErrNotFound)
}

func TestBreakGlassReleaseFlow(t *testing.T) {
	ctx := t.Context()
	e := newEnv(t)
	meta := e.issue(t)
	_, err := e.listener.CatchUp(ctx)
	require.NoError(t, err)

	coord := breakglass.New(ministry, e.escrow, audit.NewStore(memory.NewRepository()), e.reg, e.idx, nil,
		breakglass.WithLogger(quiet()))

	require.NoError(t, e.reg.RequestBreakGlass(ctx, employer, meta.ID))
	require.NoError(t, e.reg.SetBreakGlassConsent(ctx, student, meta.ID, true))

	escrowed, err := coord.Execute(ctx, breakglass.ExecuteRequest{
		TranscriptID: meta.ID,
		Caller:       ministry,
		Reason:       "employment verification under court order",
		CourtOrder:   "CO-9",
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.Release(ctx, e.wallets, meta.ID, employer, escrowed))
	got, err := e.svc.Read(ctx, e.wallets, employer, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	status, err := e.reg.GetBreakGlassStatus(ctx, meta.ID, employer)
	require.NoError(t, err)
	assert.Equal(t, registry.StateFulfilled, status.State)

	err = e.svc.Release(ctx, e.wallets, meta.ID, employer, escrowed)
	assert.ErrorIs(t, err, registry.ErrBreakGlassAlreadyFulfilled)

	_, err = e.listener.CatchUp(ctx)
	require.NoError(t, err)
	recs, err := e.idx.ListByAccessor(ctx, employer)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
