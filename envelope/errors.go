package envelope

import "errors"

// ErrMalformedEnvelope indicates corrupted or tampered wrapped-key or payload
// bytes. It is never retried.
var ErrMalformedEnvelope = errors.New("malformed envelope")
