package sender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"notifbot/internal/dispatch"
)

// Sender delivers one notification over a channel. Send must honor ctx and
// classify failures via SendError so the worker can decide between retry
// and terminal failure.
type Sender interface {
	Name() string
	Send(ctx context.Context, n *dispatch.Notification) error
}

// SendError carries the retry classification of a delivery failure.
// Permanent failures (malformed request, revoked credentials, blocked chat)
// must not be retried; everything else is assumed transient.
type SendError struct {
	Channel    string
	Permanent  bool
	RetryAfter time.Duration // optional server hint, 0 when absent
	Err        error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s send failed: %v", e.Channel, kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func Transient(channel string, err error) *SendError {
	return &SendError{Channel: channel, Err: err}
}

func Permanent(channel string, err error) *SendError {
	return &SendError{Channel: channel, Permanent: true, Err: err}
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// RetryHint extracts the server-provided retry delay, if any.
func RetryHint(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Registry maps channel names to senders.
type Registry struct {
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: map[string]Sender{}}
	for _, s := range senders {
		r.senders[s.Name()] = s
	}
	return r
}

func (r *Registry) Register(s Sender) { r.senders[s.Name()] = s }

// Lookup returns the sender for a channel name, or an error naming the
// configured channels when it is missing.
func (r *Registry) Lookup(channel string) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q (configured: %v)", channel, r.Names())
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
