package api

import (
	"github.com/abdoulaahmad/transcrypt2/audit"
	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/registry"
)

// ErrorResponse is returned for all error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Head   uint64 `json:"head"`
}

// EventsResponse is returned from GET /events.
type EventsResponse struct {
	Events []registry.Event `json:"events"`
	Head   uint64           `json:"head"`
}

// PublicKeyRequest is the JSON body for PUT /keys/{address}.
type PublicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

// PublicKeyResponse is returned from GET /keys/{address}.
type PublicKeyResponse struct {
	Address   ident.Address `json:"address"`
	PublicKey string        `json:"publicKey"`
}

// RolesResponse is returned from GET /accounts/{address}/roles.
type RolesResponse struct {
	Address ident.Address   `json:"address"`
	Roles   []registry.Role `json:"roles"`
}

// IssueTranscriptRequest is the JSON body for POST /transcripts. Content is
// the plaintext document, base64 encoded.
type IssueTranscriptRequest struct {
	TranscriptID string `json:"transcriptId,omitempty"`
	Owner        string `json:"owner"`
	Content      []byte `json:"content"`
}

// ReadTranscriptResponse is returned from GET /transcripts/{transcriptID}/content.
type ReadTranscriptResponse struct {
	Meta    registry.Meta `json:"meta"`
	Content []byte        `json:"content"`
}

// AccessKeyResponse is returned from GET /transcripts/{transcriptID}/keys/{accessor}.
type AccessKeyResponse struct {
	TranscriptID ident.TranscriptID `json:"transcriptId"`
	Accessor     ident.Address      `json:"accessor"`
	WrappedKey   string             `json:"wrappedKey"`
}

// GrantAccessRequest is the JSON body for PUT /transcripts/{transcriptID}/grants/{accessor}.
type GrantAccessRequest struct {
	WrappedKey string `json:"wrappedKey"`
}

// ConsentRequest is the JSON body for PUT /transcripts/{transcriptID}/break-glass/consent.
type ConsentRequest struct {
	Consent bool `json:"consent"`
}

// ReleaseRequest is the JSON body for POST /transcripts/{transcriptID}/break-glass/release.
type ReleaseRequest struct {
	Accessor   string `json:"accessor"`
	WrappedKey string `json:"wrappedKey"`
}

// BreakGlassStatusResponse is returned from GET /transcripts/{transcriptID}/break-glass/{accessor}.
type BreakGlassStatusResponse struct {
	TranscriptID ident.TranscriptID `json:"transcriptId"`
	Accessor     ident.Address      `json:"accessor"`
	registry.BreakGlassStatus
}

// ExecuteBreakGlassRequest is the JSON body for POST /break-glass/execute.
type ExecuteBreakGlassRequest struct {
	TranscriptID string `json:"transcriptId"`
	Reason       string `json:"reason"`
	CourtOrder   string `json:"courtOrder,omitempty"`
}

// ExecuteBreakGlassResponse carries the escrowed wrapped key in hex form.
type ExecuteBreakGlassResponse struct {
	TranscriptID ident.TranscriptID `json:"transcriptId"`
	WrappedKey   string             `json:"wrappedKey"`
}

// HistoryResponse is returned from the break-glass history endpoints.
type HistoryResponse struct {
	Entries []audit.Entry `json:"entries"`
	PaginationMeta
}

// TranscriptListResponse is returned from the owner and accessor listings.
type TranscriptListResponse struct {
	Transcripts []index.Record `json:"transcripts"`
	PaginationMeta
}
