package index

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abdoulaahmad/transcrypt2/registry"
)

// DefaultConsumer is the checkpoint name used when none is configured.
const DefaultConsumer = "key-distribution-index"

// EventSource is the ledger feed the listener consumes.
type EventSource interface {
	EventsSince(ctx context.Context, after uint64, limit int) ([]registry.Event, error)
	Subscribe() (<-chan uint64, func())
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger.With("component", "index-listener")
	}
}

// WithBatchSize bounds how many events are fetched per round trip.
func WithBatchSize(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

func WithConsumer(name string) ListenerOption {
	return func(l *Listener) {
		l.consumer = name
	}
}

// Listener feeds ledger events into an Index in sequence order and tracks
// its progress in a CheckpointStore. A handler failure is logged and
// recorded as a failed event; the listener moves on.
type Listener struct {
	idx         *Index
	src         EventSource
	checkpoints CheckpointStore
	consumer    string
	batchSize   int
	logger      *slog.Logger

	mu sync.Mutex // serializes CatchUp and Replay
}

func NewListener(idx *Index, src EventSource, checkpoints CheckpointStore, opts ...ListenerOption) *Listener {
	l := &Listener{
		idx:         idx,
		src:         src,
		checkpoints: checkpoints,
		consumer:    DefaultConsumer,
		batchSize:   256,
		logger:      idx.logger.With("component", "index-listener"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Checkpoint returns the last sequence number the listener has processed.
func (l *Listener) Checkpoint() uint64 {
	return l.checkpoints.LastApplied(l.consumer)
}

// CatchUp processes every event after the checkpoint and returns how many
// it saw.
func (l *Listener) CatchUp(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.process(ctx, l.checkpoints.LastApplied(l.consumer))
}

// Replay re-applies every event after fromSeq. Handlers skip what the index
// already reflects, so replaying from 0 rebuilds an empty index and is a
// no-op on an up-to-date one. The checkpoint only moves forward.
func (l *Listener) Replay(ctx context.Context, fromSeq uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.LogAttrs(ctx, slog.LevelInfo, "replaying ledger", slog.Uint64("from_seq", fromSeq))
	return l.process(ctx, fromSeq)
}

// Run catches up and then follows the ledger until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	notify, unsubscribe := l.src.Subscribe()
	defer unsubscribe()

	if _, err := l.CatchUp(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notify:
			if !ok {
				return nil
			}
			if _, err := l.CatchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (l *Listener) process(ctx context.Context, after uint64) (int, error) {
	seen := 0
	for {
		events, err := l.src.EventsSince(ctx, after, l.batchSize)
		if err != nil {
			return seen, err
		}
		if len(events) == 0 {
			return seen, nil
		}
		for _, ev := range events {
			if err := l.idx.Apply(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return seen, ctx.Err()
				}
				l.logger.LogAttrs(ctx, slog.LevelError, "applying ledger event",
					slog.Uint64("seq", ev.Seq),
					slog.String("type", string(ev.Type)),
					slog.String("transcript_id", ev.TranscriptID.String()),
					slog.String("error", err.Error()),
				)
				if rerr := l.idx.recordFailure(ctx, ev, err); rerr != nil {
					return seen, rerr
				}
			}
			if ev.Seq > l.checkpoints.LastApplied(l.consumer) {
				if err := l.checkpoints.SetLastApplied(ctx, l.consumer, ev.Seq); err != nil {
					return seen, err
				}
			}
			after = ev.Seq
			seen++
		}
	}
}
