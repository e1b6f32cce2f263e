// Package storage is the record store shared by the registry, the index, the
// escrow store and the audit log. Records are grouped into namespaces and
// addressed by (recordType, recordID).
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within one atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType, recordID string) (*Envelope, error)
	Put(recordType, recordID string, envelope *Envelope) error
	// PutCAS writes only if the stored version equals expectedVersion.
	// An expectedVersion of 0 means the record must not exist yet.
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	// List returns the record ids of recordType in ascending byte order.
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	// Batch runs fn in one transaction. If fn returns an error nothing is
	// written.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
