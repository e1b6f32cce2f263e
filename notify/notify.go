// Package notify tells transcript owners that their transcript was
// disclosed under break glass. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

var ErrQueueFull = errors.New("notification queue full")

// Notice describes one emergency disclosure.
type Notice struct {
	TranscriptID ident.TranscriptID `json:"transcript_id"`
	Owner        ident.Address      `json:"owner"`
	Accessor     ident.Address      `json:"accessor"`
	Reason       string             `json:"reason"`
	CourtOrder   string             `json:"court_order,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes each notice to a structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notice) error {
	attrs := []slog.Attr{
		slog.String("transcript_id", n.TranscriptID.String()),
		slog.String("owner", n.Owner.String()),
		slog.String("accessor", n.Accessor.String()),
		slog.String("reason", n.Reason),
		slog.Time("timestamp", n.Timestamp),
	}
	if n.CourtOrder != "" {
		attrs = append(attrs, slog.String("court_order", n.CourtOrder))
	}
	l.logger.LogAttrs(ctx, slog.LevelWarn, "break glass disclosure", attrs...)
	return nil
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
