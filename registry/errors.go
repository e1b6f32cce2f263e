package registry

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists = errors.New("transcript already exists")
	ErrNotFound      = errors.New("transcript not found")
	// ErrUnauthorizedAccess indicates the caller is not the transcript owner or
	// lacks the role the operation needs.
	ErrUnauthorizedAccess         = errors.New("unauthorized access")
	ErrBreakGlassNotConsented     = errors.New("break glass not consented")
	ErrBreakGlassAlreadyFulfilled = errors.New("break glass already fulfilled")
	// ErrEscrowKeyRequired indicates issuance without a usable escrow key.
	ErrEscrowKeyRequired = errors.New("escrow wrapped key required")
	ErrInvalidArgument   = errors.New("invalid argument")
	// ErrLedgerConflict indicates another writer advanced the ledger head
	// concurrently. The outcome of the write is known: nothing was committed.
	ErrLedgerConflict = errors.New("ledger head moved")
)

// ErrMissingRole is a specialisation of ErrUnauthorizedAccess.
var ErrMissingRole = fmt.Errorf("%w: missing role", ErrUnauthorizedAccess)
