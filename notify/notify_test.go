package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdoulaahmad/transcrypt2/ident"
)

var notice = Notice{
	TranscriptID: ident.MustTranscriptID("0x" + strings.Repeat("11", 32)),
	Owner:        ident.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
	Accessor:     ident.MustAddress("0x0000000000000000000000000000000000000002"),
	Reason:       "court ordered disclosure",
	CourtOrder:   "CO-17",
	Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
}

func TestWebhookDelivers(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "Authorization: Bearer s3cret")
	require.NoError(t, wh.Notify(t.Context(), notice))
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "break_glass_disclosure", got["event"])
	assert.Equal(t, notice.TranscriptID.String(), got["transcript_id"])
	assert.Equal(t, notice.Owner.String(), got["owner"])
	assert.Equal(t, "CO-17", got["court_order"])
	assert.Equal(t, "Bearer s3cret", auth)
}

func TestWebhookRetriesOn500(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", WithRetryDelay(time.Millisecond))
	require.NoError(t, wh.Notify(t.Context(), notice))
	wh.Close()
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWebhookNoRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", WithRetryDelay(time.Millisecond))
	require.NoError(t, wh.Notify(t.Context(), notice))
	wh.Close()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWebhookQueueFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "")
	var dropped int
	for range webhookQueueSize + 10 {
		if errors.Is(wh.Notify(t.Context(), notice), ErrQueueFull) {
			dropped++
		}
	}
	assert.Positive(t, dropped)
	close(release)
	wh.Close()
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, n.Notify(t.Context(), notice))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "break glass disclosure", line["msg"])
	assert.Equal(t, "notify", line["component"])
	assert.Equal(t, notice.Owner.String(), line["owner"])
	assert.Equal(t, "CO-17", line["court_order"])
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Notice) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer
	m := Multi{NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil))), failingNotifier{err: boom}}
	err := m.Notify(t.Context(), notice)
	assert.ErrorIs(t, err, boom)
	assert.NotEmpty(t, buf.String(), "earlier notifiers still run")
}
