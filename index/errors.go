package index

import "errors"

var (
	// ErrInvalidPublicKey indicates a public key that is not base64 of
	// exactly 32 bytes.
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrPublicKeyNotFound = errors.New("public key not found")
	// ErrCheckpointRollback is returned when a checkpoint would move backwards.
	ErrCheckpointRollback = errors.New("checkpoint rollback: sequence is older than the stored checkpoint")
	// ErrUnknownTranscript indicates an event for a transcript the index has
	// not seen issued.
	ErrUnknownTranscript = errors.New("transcript not indexed")
)
