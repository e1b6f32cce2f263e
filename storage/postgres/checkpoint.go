package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abdoulaahmad/transcrypt2/index"
)

// Checkpoints implements index.CheckpointStore backed by PostgreSQL.
//
// Reads come from an in-memory map; writes persist to PostgreSQL first and
// then update the map. This mirrors index.BoltCheckpoints.
type Checkpoints struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[string]uint64
}

var _ index.CheckpointStore = (*Checkpoints)(nil)

// NewCheckpoints loads every stored checkpoint into memory.
func NewCheckpoints(ctx context.Context, pool *pgxpool.Pool) (*Checkpoints, error) {
	c := &Checkpoints{
		pool:  pool,
		cache: make(map[string]uint64),
	}

	rows, err := pool.Query(ctx, `SELECT consumer, last_applied FROM index_checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var consumer string
		var seq int64
		if err := rows.Scan(&consumer, &seq); err != nil {
			return nil, err
		}
		c.cache[consumer] = uint64(seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Checkpoints) LastApplied(consumer string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[consumer]
}

// SetLastApplied returns index.ErrCheckpointRollback if seq is older than the
// stored checkpoint.
func (c *Checkpoints) SetLastApplied(ctx context.Context, consumer string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq < c.cache[consumer] {
		return index.ErrCheckpointRollback
	}

	_, err := c.pool.Exec(ctx,
		`INSERT INTO index_checkpoints (consumer, last_applied) VALUES ($1, $2)
		 ON CONFLICT (consumer) DO UPDATE SET last_applied = GREATEST(index_checkpoints.last_applied, $2)`,
		consumer, int64(seq))
	if err != nil {
		return err
	}

	c.cache[consumer] = seq
	return nil
}
