package registry

import (
	"time"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

// Role is an access-control capability held by an address.
type Role string

const (
	// RoleAdmin grants and revokes every other role.
	RoleAdmin Role = "DEFAULT_ADMIN_ROLE"
	// RoleIssuer is held by universities.
	RoleIssuer    Role = "UNIVERSITY_ROLE"
	RoleRegistrar Role = "REGISTRAR_ROLE"
	// RoleMinistry releases emergency access and records disclosures.
	RoleMinistry Role = "MINISTRY_ROLE"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleIssuer, RoleRegistrar, RoleMinistry}

func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// Transcript is the ledger record of one issued document.
type Transcript struct {
	ID             ident.TranscriptID `json:"id"`
	Owner          ident.Address      `json:"owner"`
	Issuer         ident.Address      `json:"issuer"`
	ContentLocator string             `json:"contentLocator"`
	ContentHash    string             `json:"contentHash"`
	IssuedAt       time.Time          `json:"issuedAt"`
	// WrappedKeys holds only live grants; revocation deletes the entry.
	WrappedKeys map[ident.Address]string `json:"wrappedKeys"`
	// Consent is the owner's break-glass decision for this transcript. It
	// applies to every requester.
	Consent        bool `json:"consent"`
	ConsentDecided bool `json:"consentDecided"`
}

// Meta is the public metadata of a transcript.
type Meta struct {
	ID             ident.TranscriptID `json:"transcriptId"`
	Owner          ident.Address      `json:"owner"`
	Issuer         ident.Address      `json:"issuer"`
	ContentLocator string             `json:"contentLocator"`
	ContentHash    string             `json:"contentHash"`
	IssuedAt       time.Time          `json:"issuedAt"`
}

func (t *Transcript) Meta() Meta {
	return Meta{
		ID:             t.ID,
		Owner:          t.Owner,
		Issuer:         t.Issuer,
		ContentLocator: t.ContentLocator,
		ContentHash:    t.ContentHash,
		IssuedAt:       t.IssuedAt,
	}
}

// BreakGlassState names a point in the per-(transcript, accessor) lifecycle.
type BreakGlassState string

const (
	StateNone      BreakGlassState = "NONE"
	StateRequested BreakGlassState = "REQUESTED"
	StateConsented BreakGlassState = "CONSENTED"
	StateDenied    BreakGlassState = "DENIED"
	StateFulfilled BreakGlassState = "FULFILLED"
)

// BreakGlassStatus is the view returned by GetBreakGlassStatus.
type BreakGlassStatus struct {
	Consented bool            `json:"consented"`
	Requested bool            `json:"requested"`
	Fulfilled bool            `json:"fulfilled"`
	State     BreakGlassState `json:"state"`
}

// breakGlassRecord is the stored per-accessor half of the status. Both flags
// only ever move from false to true.
type breakGlassRecord struct {
	Requested bool `json:"requested"`
	Fulfilled bool `json:"fulfilled"`
}

func deriveState(rec breakGlassRecord, t *Transcript) BreakGlassState {
	switch {
	case rec.Fulfilled:
		return StateFulfilled
	case !rec.Requested:
		return StateNone
	case t.Consent:
		return StateConsented
	case t.ConsentDecided:
		return StateDenied
	default:
		return StateRequested
	}
}

// EventType names a ledger event.
type EventType string

const (
	EventTranscriptIssued         EventType = "TranscriptIssued"
	EventAccessGranted            EventType = "AccessGranted"
	EventAccessRevoked            EventType = "AccessRevoked"
	EventBreakGlassRequested      EventType = "BreakGlassRequested"
	EventBreakGlassConsentUpdated EventType = "BreakGlassConsentUpdated"
	EventEmergencyAccessGranted   EventType = "EmergencyAccessGranted"
	EventBreakGlassAccess         EventType = "BreakGlassAccess"
	EventRoleGranted              EventType = "RoleGranted"
	EventRoleRevoked              EventType = "RoleRevoked"
)

// Event is one entry of the ledger log. Seq is the total order.
type Event struct {
	Seq            uint64             `json:"seq"`
	Type           EventType          `json:"type"`
	At             time.Time          `json:"at"`
	Actor          ident.Address      `json:"actor"`
	TranscriptID   ident.TranscriptID `json:"transcriptId,omitempty"`
	Owner          ident.Address      `json:"owner,omitempty"`
	Accessor       ident.Address      `json:"accessor,omitempty"`
	WrappedKey     string             `json:"wrappedKey,omitempty"`
	ContentLocator string             `json:"contentLocator,omitempty"`
	ContentHash    string             `json:"contentHash,omitempty"`
	IssuedAt       time.Time          `json:"issuedAt,omitzero"`
	Consent        bool               `json:"consent,omitempty"`
	Role           Role               `json:"role,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	CourtOrder     string             `json:"courtOrder,omitempty"`
}

// IssueRequest carries the arguments of Issue.
type IssueRequest struct {
	ID             ident.TranscriptID
	Owner          ident.Address
	ContentLocator string
	ContentHash    string
	// OwnerWrappedKey is stored as-is as the owner's grant.
	OwnerWrappedKey string
	// EscrowWrappedKey is the content key wrapped for the ministry, in either
	// wire form. It is stored in hex form by the EscrowWriter.
	EscrowWrappedKey string
}
