package escalate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"notifbot/pkg/logx"
)

// Escalation reasons reported to the side channel.
const (
	ReasonExhausted  = "attempts_exhausted"
	ReasonPermanent  = "permanent_failure"
	ReasonOrphan     = "orphan_queue_entry"
	ReasonCorruption = "store_corruption"
)

// Escalator reports terminal failures and integrity problems out of band.
// Implementations must be best-effort: an escalation failure is logged, it
// never blocks or fails the pipeline.
type Escalator interface {
	Notify(ctx context.Context, notificationID, reason, detail string)
}

// LogOnly writes escalations to the log. Used when no endpoint is
// configured.
type LogOnly struct {
	Log logx.Logger
}

func (l LogOnly) Notify(_ context.Context, notificationID, reason, detail string) {
	l.Log.Error("escalation",
		logx.String("notification_id", notificationID),
		logx.String("reason", reason),
		logx.String("detail", detail))
}

const defaultTimeout = 10 * time.Second

type payload struct {
	NotificationID string    `json:"notification_id,omitempty"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Webhook posts escalations to a fixed endpoint and falls back to logging
// when the post fails.
type Webhook struct {
	client   *resty.Client
	endpoint string
	log      logx.Logger
}

func NewWebhook(endpoint string, timeout time.Duration, log logx.Logger) (*Webhook, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("escalation endpoint is empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid escalation endpoint: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(1)
	return &Webhook{client: client, endpoint: endpoint, log: log}, nil
}

func (w *Webhook) Notify(ctx context.Context, notificationID, reason, detail string) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload{
			NotificationID: notificationID,
			Reason:         reason,
			Detail:         detail,
			At:             time.Now().UTC(),
		}).
		Post(w.endpoint)
	if err != nil {
		w.log.Error("escalation post failed", logx.Err(err),
			logx.String("notification_id", notificationID),
			logx.String("reason", reason))
		return
	}
	if code := resp.StatusCode(); code < http.StatusOK || code >= http.StatusMultipleChoices {
		w.log.Error("escalation endpoint rejected report",
			logx.Int("status", code),
			logx.String("notification_id", notificationID),
			logx.String("reason", reason))
		return
	}
	w.log.Info("escalated",
		logx.String("notification_id", notificationID),
		logx.String("reason", reason))
}
