package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"notifbot/internal/dispatch"
	"notifbot/pkg/logx"
)

const (
	webhookChannel        = "webhook"
	defaultWebhookTimeout = 10 * time.Second
)

// WebhookConfig configures the generic webhook channel sender.
type WebhookConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type webhookBody struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Webhook posts notifications as JSON to a fixed endpoint. Retry policy is
// left to the worker; the client itself never retries.
type Webhook struct {
	client   *resty.Client
	endpoint string
	log      logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook endpoint is empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return &Webhook{client: client, endpoint: endpoint, log: log}, nil
}

func (w *Webhook) Name() string { return webhookChannel }

func (w *Webhook) Send(ctx context.Context, n *dispatch.Notification) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookBody{
			ID:        n.ID,
			Source:    n.Source,
			Kind:      n.Kind,
			Payload:   n.Payload,
			CreatedAt: n.CreatedAt,
		}).
		Post(w.endpoint)
	if err != nil {
		// Transport failures, timeouts and canceled contexts are all
		// retryable; a send aborted by shutdown must not settle the
		// notification terminally.
		return Transient(webhookChannel, err)
	}

	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		w.log.Debug("webhook delivered",
			logx.String("notification_id", n.ID),
			logx.Int("status", code))
		return nil
	}

	err = fmt.Errorf("endpoint returned status %d: %s", code, strings.TrimSpace(resp.String()))
	if code == http.StatusTooManyRequests || (code >= http.StatusInternalServerError && code <= 599) {
		return &SendError{
			Channel:    webhookChannel,
			RetryAfter: retryAfterHeader(resp),
			Err:        err,
		}
	}
	return Permanent(webhookChannel, err)
}

func retryAfterHeader(resp *resty.Response) time.Duration {
	v := strings.TrimSpace(resp.Header().Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
