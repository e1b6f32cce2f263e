package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abdoulaahmad/transcrypt2/breakglass"
	"github.com/abdoulaahmad/transcrypt2/content"
	"github.com/abdoulaahmad/transcrypt2/crypto"
	"github.com/abdoulaahmad/transcrypt2/envelope"
	"github.com/abdoulaahmad/transcrypt2/escrow"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/transcript"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

// maxBodyBytes bounds every JSON request body. Issued transcripts travel
// inline as base64, hence the generous limit.
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	// An audit failure may wrap an authorization error from the ledger;
	// it must still surface as a server failure.
	case errors.Is(err, breakglass.ErrAuditLogFailure):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, breakglass.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidArgument),
		errors.Is(err, registry.ErrEscrowKeyRequired),
		errors.Is(err, envelope.ErrMalformedEnvelope),
		errors.Is(err, index.ErrInvalidPublicKey),
		errors.Is(err, ident.ErrInvalidAddress),
		errors.Is(err, ident.ErrInvalidTranscriptID),
		errors.Is(err, content.ErrInvalidLocator):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, breakglass.ErrUnauthorized),
		errors.Is(err, registry.ErrUnauthorizedAccess):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, index.ErrPublicKeyNotFound),
		errors.Is(err, index.ErrUnknownTranscript),
		errors.Is(err, breakglass.ErrKeyNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, content.ErrNotFound),
		errors.Is(err, wallet.ErrUnknownAddress):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrAlreadyExists),
		errors.Is(err, registry.ErrBreakGlassAlreadyFulfilled),
		errors.Is(err, registry.ErrBreakGlassNotConsented),
		errors.Is(err, registry.ErrLedgerConflict),
		errors.Is(err, escrow.ErrAlreadyEscrowed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crypto.ErrAuthenticationFailure),
		errors.Is(err, transcript.ErrHashMismatch),
		errors.Is(err, content.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
