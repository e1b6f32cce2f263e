package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

const DefaultNamespace = "audit"

// Store is a Log over a storage.Repository. Entries for one transcript share
// a record type, so scanning a transcript is one List.
type Store struct {
	repo      storage.Repository
	namespace string
}

var _ Log = (*Store)(nil)

func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo, namespace: DefaultNamespace}
}

func recordType(id ident.TranscriptID) string {
	return "log/" + id.String()
}

func (s *Store) PutAuditEntry(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.Timestamp = e.Timestamp.UTC()
	env, err := storage.PlainRecord(e, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, s.namespace, recordType(e.TranscriptID), e.ID, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("entry %s: %w", e.ID, ErrDuplicateEntry)
	}
	return err
}

func (s *Store) ScanAuditEntries(ctx context.Context, id ident.TranscriptID) ([]Entry, error) {
	ids, err := s.repo.List(ctx, s.namespace, recordType(id))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, entryID := range ids {
		env, err := s.repo.Get(ctx, s.namespace, recordType(id), entryID)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", entryID, err)
		}
		var e Entry
		if err := storage.DecodePlain(env, &e); err != nil {
			return nil, fmt.Errorf("entry %s: %w", entryID, err)
		}
		entries = append(entries, e)
	}
	SortNewestFirst(entries)
	return entries, nil
}
