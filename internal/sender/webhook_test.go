package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notifbot/internal/dispatch"
	"notifbot/pkg/logx"
)

func testNotification() *dispatch.Notification {
	return &dispatch.Notification{
		ID:        "abc123",
		Source:    "spool",
		Kind:      "alert",
		Payload:   "disk full",
		CreatedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSendOK(t *testing.T) {
	t.Parallel()
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Send(context.Background(), testNotification()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.ID != "abc123" || got.Source != "spool" || got.Payload != "disk full" {
		t.Fatalf("body mismatch: %+v", got)
	}
}

func TestWebhookStatusClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL}, logx.Nop())
			if err != nil {
				t.Fatalf("new webhook: %v", err)
			}
			err = wh.Send(context.Background(), testNotification())
			if err == nil {
				t.Fatal("want error")
			}
			var se *SendError
			if !errors.As(err, &se) {
				t.Fatalf("err type %T", err)
			}
			if se.Permanent != tc.permanent {
				t.Fatalf("permanent = %v, want %v", se.Permanent, tc.permanent)
			}
		})
	}
}

func TestWebhookRetryAfterHint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	err = wh.Send(context.Background(), testNotification())
	if hint := RetryHint(err); hint != 7*time.Second {
		t.Fatalf("retry hint = %v, want 7s", hint)
	}
}

func TestWebhookConnectionErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	err = wh.Send(context.Background(), testNotification())
	if err == nil || IsPermanent(err) {
		t.Fatalf("connection failure should be transient, got %v", err)
	}
}

func TestWebhookCanceledSendIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = wh.Send(ctx, testNotification())
	if err == nil {
		t.Fatal("want error from canceled send")
	}
	// A send cut short by shutdown is retryable on the next lease.
	if IsPermanent(err) {
		t.Fatalf("canceled send classified permanent: %v", err)
	}
}

func TestNewWebhookValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook(WebhookConfig{}, logx.Nop()); err == nil {
		t.Fatal("empty endpoint accepted")
	}
	if _, err := NewWebhook(WebhookConfig{Endpoint: "not a url"}, logx.Nop()); err == nil {
		t.Fatal("malformed endpoint accepted")
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}

	r := NewRegistry(wh)
	if s, err := r.Lookup("webhook"); err != nil || s.Name() != "webhook" {
		t.Fatalf("lookup webhook: %v", err)
	}
	if _, err := r.Lookup("pigeon"); err == nil {
		t.Fatal("unknown channel accepted")
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := "line one\nline two\nline three"
	chunks := splitText(text, 12)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 12 {
			t.Fatalf("chunk %q over limit", c)
		}
	}
	if chunks[0] != "line one" {
		t.Fatalf("first chunk = %q, want newline split", chunks[0])
	}
}
