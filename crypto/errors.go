package crypto

import "errors"

var (
	// ErrAuthenticationFailure indicates a tag mismatch while opening content
	// or a sealed box. It is never retried.
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrInvalidKey            = errors.New("invalid key")
)
