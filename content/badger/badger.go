// Package badger implements content.Store on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/abdoulaahmad/transcrypt2/content"
)

const keyPrefix = "blob:"

// Store keeps blobs under "blob:{hex digest}".
type Store struct {
	db *badger.DB
}

var _ content.Store = (*Store)(nil)

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) a Badger database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewStore(db), nil
}

// DB returns the underlying database.
func (s *Store) DB() *badger.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := content.Locator(data)
	digest, err := content.ParseLocator(loc)
	if err != nil {
		return "", err
	}
	key := []byte(keyPrefix + digest)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("storing %s: %w", loc, err)
	}
	return loc, nil
}

// Get returns the blob, re-verifying its digest.
func (s *Store) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := content.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + digest))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", locator, content.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", locator, err)
	}
	if err := content.Verify(digest, data); err != nil {
		return nil, err
	}
	return data, nil
}

// RunGC reclaims value log space until Badger reports nothing to rewrite.
func (s *Store) RunGC(discardRatio float64) error {
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
