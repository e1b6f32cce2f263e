package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/abdoulaahmad/transcrypt2/breakglass"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/transcript"
)

func pathAddress(r *http.Request, name string) (ident.Address, error) {
	return ident.ParseAddress(chi.URLParam(r, name))
}

func pathTranscriptID(r *http.Request) (ident.TranscriptID, error) {
	return ident.ParseTranscriptID(chi.URLParam(r, "transcriptID"))
}

// caller returns the authenticated address. AuthMiddleware guarantees one
// on every route that calls it.
func caller(r *http.Request) ident.Address {
	addr, _ := CallerFromContext(r.Context())
	return addr
}

// requireSelfOrMinistry allows addr itself and any ministry member.
func (a *API) requireSelfOrMinistry(ctx context.Context, who, addr ident.Address) error {
	if who == addr {
		return nil
	}
	ok, err := a.registry.HasRole(ctx, registry.RoleMinistry, who)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("caller %s: %w", who, registry.ErrUnauthorizedAccess)
	}
	return nil
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	head, err := a.registry.Head(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Head: head})
}

// ListEvents returns ledger events with a sequence number above the
// "after" query parameter.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		after = n
	}
	limit, _ := parsePagination(r)
	events, err := a.registry.EventsSince(r.Context(), after, limit)
	if err != nil {
		mapError(w, err)
		return
	}
	head, err := a.registry.Head(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if events == nil {
		events = []registry.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Head: head})
}

func (a *API) RegisterPublicKey(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	if caller(r) != addr {
		writeError(w, http.StatusForbidden, "public keys may only be registered by their owner")
		return
	}
	var req PublicKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.index.RegisterPublicKey(r.Context(), addr, req.PublicKey); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditPublicKeyRegistered, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	pub, err := a.index.GetPublicKey(r.Context(), addr)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{Address: addr, PublicKey: pub})
}

func (a *API) ListRoles(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	roles, err := a.registry.RolesOf(r.Context(), addr)
	if err != nil {
		mapError(w, err)
		return
	}
	if roles == nil {
		roles = []registry.Role{}
	}
	writeJSON(w, http.StatusOK, RolesResponse{Address: addr, Roles: roles})
}

func (a *API) roleParams(w http.ResponseWriter, r *http.Request) (registry.Role, ident.Address, bool) {
	role, ok := registry.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown role")
		return "", "", false
	}
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return "", "", false
	}
	return role, addr, true
}

func (a *API) GrantRole(w http.ResponseWriter, r *http.Request) {
	role, addr, ok := a.roleParams(w, r)
	if !ok {
		return
	}
	if err := a.registry.GrantRole(r.Context(), caller(r), role, addr); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditRoleGranted, r, slog.String("role", string(role)), slog.String("address", addr.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RevokeRole(w http.ResponseWriter, r *http.Request) {
	role, addr, ok := a.roleParams(w, r)
	if !ok {
		return
	}
	if err := a.registry.RevokeRole(r.Context(), caller(r), role, addr); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditRoleRevoked, r, slog.String("role", string(role)), slog.String("address", addr.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) IssueTranscript(w http.ResponseWriter, r *http.Request) {
	var req IssueTranscriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, err := ident.ParseAddress(req.Owner)
	if err != nil {
		mapError(w, err)
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	meta, err := a.transcripts.Issue(r.Context(), caller(r), transcript.IssueInput{
		ID:        req.TranscriptID,
		Owner:     owner,
		Plaintext: req.Content,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditTranscriptIssued, r,
		slog.String("transcript_id", meta.ID.String()),
		slog.String("owner", meta.Owner.String()),
	)
	writeJSON(w, http.StatusCreated, meta)
}

func (a *API) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	meta, err := a.registry.GetTranscriptMeta(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// ReadTranscript decrypts the transcript for the caller with the custodial
// wallet.
func (a *API) ReadTranscript(w http.ResponseWriter, r *http.Request) {
	if a.agent == nil {
		writeError(w, http.StatusNotImplemented, "custodial wallet is not configured")
		return
	}
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	meta, err := a.registry.GetTranscriptMeta(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	plaintext, err := a.transcripts.Read(r.Context(), a.agent, caller(r), id)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditTranscriptRead, r, slog.String("transcript_id", id.String()))
	writeJSON(w, http.StatusOK, ReadTranscriptResponse{Meta: meta, Content: plaintext})
}

func (a *API) GetAccessKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	accessor, err := pathAddress(r, "accessor")
	if err != nil {
		mapError(w, err)
		return
	}
	key, err := a.registry.GetAccessKey(r.Context(), id, accessor)
	if err != nil {
		mapError(w, err)
		return
	}
	if key == "" {
		writeError(w, http.StatusNotFound, "no access key for accessor")
		return
	}
	writeJSON(w, http.StatusOK, AccessKeyResponse{TranscriptID: id, Accessor: accessor, WrappedKey: key})
}

// transcriptAndAccessor parses the two path parameters shared by the grant
// routes.
func transcriptAndAccessor(w http.ResponseWriter, r *http.Request) (ident.TranscriptID, ident.Address, bool) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return "", "", false
	}
	accessor, err := pathAddress(r, "accessor")
	if err != nil {
		mapError(w, err)
		return "", "", false
	}
	return id, accessor, true
}

func (a *API) GrantAccess(w http.ResponseWriter, r *http.Request) {
	id, accessor, ok := transcriptAndAccessor(w, r)
	if !ok {
		return
	}
	var req GrantAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.registry.GrantAccess(r.Context(), caller(r), id, accessor, req.WrappedKey); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditAccessGranted, r,
		slog.String("transcript_id", id.String()),
		slog.String("accessor", accessor.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ShareTranscript re-wraps the caller's content key for accessor with the
// custodial wallet and grants it.
func (a *API) ShareTranscript(w http.ResponseWriter, r *http.Request) {
	if a.agent == nil {
		writeError(w, http.StatusNotImplemented, "custodial wallet is not configured")
		return
	}
	id, accessor, ok := transcriptAndAccessor(w, r)
	if !ok {
		return
	}
	if err := a.transcripts.Share(r.Context(), a.agent, caller(r), id, accessor); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditAccessGranted, r,
		slog.String("transcript_id", id.String()),
		slog.String("accessor", accessor.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	id, accessor, ok := transcriptAndAccessor(w, r)
	if !ok {
		return
	}
	if err := a.registry.RevokeAccess(r.Context(), caller(r), id, accessor); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditAccessRevoked, r,
		slog.String("transcript_id", id.String()),
		slog.String("accessor", accessor.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RequestBreakGlass(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.registry.RequestBreakGlass(r.Context(), caller(r), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditBreakGlassRequested, r, slog.String("transcript_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) SetBreakGlassConsent(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	var req ConsentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.registry.SetBreakGlassConsent(r.Context(), caller(r), id, req.Consent); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditBreakGlassConsent, r,
		slog.String("transcript_id", id.String()),
		slog.Bool("consent", req.Consent),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ReleaseEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	var req ReleaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	accessor, err := ident.ParseAddress(req.Accessor)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.registry.ReleaseEmergencyAccess(r.Context(), caller(r), id, accessor, req.WrappedKey); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditEmergencyReleased, r,
		slog.String("transcript_id", id.String()),
		slog.String("accessor", accessor.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetBreakGlassStatus(w http.ResponseWriter, r *http.Request) {
	id, accessor, ok := transcriptAndAccessor(w, r)
	if !ok {
		return
	}
	status, err := a.registry.GetBreakGlassStatus(r.Context(), id, accessor)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BreakGlassStatusResponse{
		TranscriptID:     id,
		Accessor:         accessor,
		BreakGlassStatus: status,
	})
}

func (a *API) ExecuteBreakGlass(w http.ResponseWriter, r *http.Request) {
	var req ExecuteBreakGlassRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := ident.ParseTranscriptID(req.TranscriptID)
	if err != nil {
		mapError(w, fmt.Errorf("%w: %w", breakglass.ErrInvalidRequest, err))
		return
	}
	key, err := a.breakglass.Execute(r.Context(), breakglass.ExecuteRequest{
		TranscriptID: id,
		Caller:       caller(r),
		Reason:       req.Reason,
		CourtOrder:   req.CourtOrder,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditBreakGlassExecuted, r, slog.String("transcript_id", id.String()))
	writeJSON(w, http.StatusOK, ExecuteBreakGlassResponse{TranscriptID: id, WrappedKey: key})
}

// BreakGlassHistory lists the disclosures of one transcript to its owner
// or the ministry.
func (a *API) BreakGlassHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathTranscriptID(r)
	if err != nil {
		mapError(w, err)
		return
	}
	meta, err := a.registry.GetTranscriptMeta(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.requireSelfOrMinistry(r.Context(), caller(r), meta.Owner); err != nil {
		mapError(w, err)
		return
	}
	entries, err := a.breakglass.AccessHistory(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditBreakGlassHistoryRead, r, slog.String("transcript_id", id.String()))
	page, pageMeta := paginate(r, entries)
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: page, PaginationMeta: pageMeta})
}

func (a *API) OwnerBreakGlassHistory(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.requireSelfOrMinistry(r.Context(), caller(r), owner); err != nil {
		mapError(w, err)
		return
	}
	entries, err := a.breakglass.OwnerAccessHistory(r.Context(), owner)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCaller(AuditBreakGlassHistoryRead, r, slog.String("owner", owner.String()))
	page, meta := paginate(r, entries)
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: page, PaginationMeta: meta})
}

func (a *API) ListByOwner(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	records, err := a.index.ListByOwner(r.Context(), addr)
	if err != nil {
		mapError(w, err)
		return
	}
	page, meta := paginate(r, records)
	writeJSON(w, http.StatusOK, TranscriptListResponse{Transcripts: page, PaginationMeta: meta})
}

func (a *API) ListByAccessor(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		mapError(w, err)
		return
	}
	records, err := a.index.ListByAccessor(r.Context(), addr)
	if err != nil {
		mapError(w, err)
		return
	}
	page, meta := paginate(r, records)
	writeJSON(w, http.StatusOK, TranscriptListResponse{Transcripts: page, PaginationMeta: meta})
}
