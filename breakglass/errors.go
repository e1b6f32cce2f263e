package breakglass

import "errors"

var (
	// ErrUnauthorized indicates the caller is not the configured ministry.
	ErrUnauthorized = errors.New("unauthorized: only the ministry can execute break glass")
	ErrKeyNotFound  = errors.New("ministry key not found for this transcript")
	// ErrAuditLogFailure indicates the disclosure could not be recorded. No
	// key is returned when it occurs.
	ErrAuditLogFailure = errors.New("failed to create audit log")
	ErrInvalidRequest  = errors.New("invalid break glass request")
)
