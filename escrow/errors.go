package escrow

import "errors"

var (
	ErrNotFound = errors.New("escrowed key not found")
	// ErrAlreadyEscrowed indicates a different key is already escrowed for
	// the transcript. Escrow records are read-only after creation.
	ErrAlreadyEscrowed = errors.New("a different key is already escrowed")
	ErrInvalidSecret   = errors.New("escrow secret must be at least 32 bytes")
)
