package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const webhookQueueSize = 1024

// webhookPayload is the JSON body POSTed to the endpoint.
type webhookPayload struct {
	Event string `json:"event"`
	Notice
}

type WebhookOption func(*Webhook)

func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		w.logger = logger.With("component", "notify-webhook")
	}
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.client = c
	}
}

// WithRetryDelay sets the pause before the single retry on a 5xx.
func WithRetryDelay(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.retryDelay = d
	}
}

// Webhook delivers notices to an HTTP endpoint. Notify enqueues into a
// bounded channel and never blocks; a background goroutine sends.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
	notices    chan Notice
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook starts the dispatcher. Call Close to drain and stop it.
func NewWebhook(url, authHeader string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "notify-webhook"),
		notices:    make(chan Notice, webhookQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues n. A full queue drops the notice and returns ErrQueueFull.
func (w *Webhook) Notify(ctx context.Context, n Notice) error {
	select {
	case w.notices <- n:
		return nil
	default:
		w.logger.LogAttrs(ctx, slog.LevelWarn, "queue full, dropping notice",
			slog.String("transcript_id", n.TranscriptID.String()))
		return ErrQueueFull
	}
}

// Close sends whatever is queued and stops the dispatcher.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.notices)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for n := range w.notices {
		w.send(n)
	}
}

// send POSTs n with one retry on 5xx or transport error.
func (w *Webhook) send(n Notice) {
	body, err := json.Marshal(webhookPayload{Event: "break_glass_disclosure", Notice: n})
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Transcrypt-Notify-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
