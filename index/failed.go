package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdoulaahmad/transcrypt2/registry"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

// FailedEvent is a ledger event whose handler returned an error.
type FailedEvent struct {
	Event    registry.Event `json:"event"`
	Error    string         `json:"error"`
	Attempts int            `json:"attempts"`
	FailedAt time.Time      `json:"failedAt"`
}

func failedKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// recordFailure stores ev for a later RetryFailed. A repeated failure of the
// same event bumps its attempt count.
func (i *Index) recordFailure(ctx context.Context, ev registry.Event, cause error) error {
	return i.repo.Batch(ctx, i.namespace, func(tx storage.BatchTx) error {
		fe := FailedEvent{Event: ev, Error: cause.Error(), Attempts: 1, FailedAt: i.now().UTC()}
		var version uint64
		env, err := tx.Get(recordFailed, failedKey(ev.Seq))
		switch {
		case err == nil:
			var prev FailedEvent
			if err := storage.DecodePlain(env, &prev); err != nil {
				return err
			}
			fe.Attempts = prev.Attempts + 1
			version = env.Version
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		next, err := storage.PlainRecord(fe, version+1)
		if err != nil {
			return err
		}
		return tx.PutCAS(recordFailed, failedKey(ev.Seq), version, next)
	})
}

// FailedEvents returns the events still awaiting retry, in ledger order.
func (i *Index) FailedEvents(ctx context.Context) ([]FailedEvent, error) {
	ids, err := i.repo.List(ctx, i.namespace, recordFailed)
	if err != nil {
		return nil, err
	}
	out := make([]FailedEvent, 0, len(ids))
	for _, id := range ids {
		env, err := i.repo.Get(ctx, i.namespace, recordFailed, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var fe FailedEvent
		if err := storage.DecodePlain(env, &fe); err != nil {
			return nil, err
		}
		out = append(out, fe)
	}
	return out, nil
}

// RetryFailed re-applies every failed event in ledger order. Events that
// now apply are removed; the rest stay with a bumped attempt count. It
// returns the number of events that recovered.
func (i *Index) RetryFailed(ctx context.Context) (int, error) {
	failed, err := i.FailedEvents(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, fe := range failed {
		if err := i.Apply(ctx, fe.Event); err != nil {
			i.logger.LogAttrs(ctx, slog.LevelWarn, "retry of failed event did not apply",
				slog.Uint64("seq", fe.Event.Seq),
				slog.String("type", string(fe.Event.Type)),
				slog.String("error", err.Error()),
			)
			if rerr := i.recordFailure(ctx, fe.Event, err); rerr != nil {
				return recovered, rerr
			}
			continue
		}
		if err := i.repo.Delete(ctx, i.namespace, recordFailed, failedKey(fe.Event.Seq)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
