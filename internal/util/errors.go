package util

import "errors"

// ErrGCMOpen indicates an AES-GCM tag mismatch.
var ErrGCMOpen = errors.New("gcm authentication failed")
