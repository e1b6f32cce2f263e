package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// CheckpointStore remembers the last ledger sequence applied by each
// consumer. Checkpoints never move backwards.
type CheckpointStore interface {
	LastApplied(consumer string) uint64
	SetLastApplied(ctx context.Context, consumer string, seq uint64) error
}

// MemoryCheckpoints is an in-memory implementation suitable for tests.
type MemoryCheckpoints struct {
	mu   sync.RWMutex
	seqs map[string]uint64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{seqs: make(map[string]uint64)}
}

func (c *MemoryCheckpoints) LastApplied(consumer string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqs[consumer]
}

func (c *MemoryCheckpoints) SetLastApplied(_ context.Context, consumer string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.seqs[consumer] {
		return ErrCheckpointRollback
	}
	c.seqs[consumer] = seq
	return nil
}

var checkpointBucket = []byte("__index_checkpoints")

// BoltCheckpoints persists checkpoints in a dedicated BBolt bucket.
// Reads come from an in-memory map; writes go to BBolt first.
type BoltCheckpoints struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]uint64
}

// NewBoltCheckpoints loads every stored checkpoint from db.
func NewBoltCheckpoints(db *bbolt.DB) (*BoltCheckpoints, error) {
	c := &BoltCheckpoints{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(checkpointBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				c.cache[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading checkpoints: %w", err)
	}
	return c, nil
}

func (c *BoltCheckpoints) LastApplied(consumer string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[consumer]
}

func (c *BoltCheckpoints) SetLastApplied(ctx context.Context, consumer string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq < c.cache[consumer] {
		return ErrCheckpointRollback
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(checkpointBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(consumer), binary.BigEndian.AppendUint64(nil, seq))
	})
	if err != nil {
		return err
	}
	c.cache[consumer] = seq
	return nil
}
