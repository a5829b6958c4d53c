package intake

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifbot/internal/dispatch"
	"notifbot/internal/eventbus"
	"notifbot/pkg/logx"
)

var (
	// ErrInvalidEvent marks events that fail validation. Rejections are
	// final; the caller should not retry.
	ErrInvalidEvent = errors.New("intake: invalid event")

	// ErrDuplicate marks events whose fingerprint matched an active dedup
	// marker. The duplicate is dropped, not an error condition for callers
	// that fire-and-forget.
	ErrDuplicate = errors.New("intake: duplicate event")

	// ErrThrottled marks events dropped by the per-source rate limiter.
	ErrThrottled = errors.New("intake: source throttled")
)

const (
	defaultDedupWindow = 5 * time.Minute
	defaultRatePerSec  = 50
	defaultBurst       = 100
	defaultMaxPayload  = 64 << 10
)

// RawEvent is what producers hand to intake before normalization.
// At is optional; when set, it scopes the dedup fingerprint to that
// occurrence so recurring events with identical text stay distinct.
type RawEvent struct {
	Source  string
	Kind    string
	Payload string
	At      time.Time
}

// Options bounds acceptance. Zero values fall back to defaults.
type Options struct {
	DedupWindow     time.Duration
	RatePerSec      int
	Burst           int
	MaxPayloadBytes int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = defaultDedupWindow
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = defaultRatePerSec
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = defaultMaxPayload
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Enqueuer receives accepted notifications. The durable queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, n *dispatch.Notification, e *dispatch.QueueEntry) error
}

// Intake validates, deduplicates and rate-limits incoming events and turns
// accepted ones into durable notifications. Once Submit returns nil the
// event survives a crash.
type Intake struct {
	store *dispatch.Store
	queue Enqueuer
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// fpLocks serializes the dedup check against the create batch for
	// submissions sharing a fingerprint, so concurrent duplicates cannot
	// both pass the marker check. Striped to keep unrelated sources
	// independent.
	fpLocks [64]sync.Mutex
}

func New(store *dispatch.Store, queue Enqueuer, bus eventbus.Bus, log logx.Logger, opts Options) *Intake {
	opts.normalize()
	return &Intake{
		store:    store,
		queue:    queue,
		bus:      bus,
		log:      log,
		opts:     opts,
		limiters: map[string]*rate.Limiter{},
	}
}

// Submit runs the full acceptance path. On success it returns the durable
// notification. ErrDuplicate, ErrThrottled and ErrInvalidEvent are the
// expected drop reasons; anything else is a store failure.
func (in *Intake) Submit(ctx context.Context, ev RawEvent) (*dispatch.Notification, error) {
	if err := in.validate(ev); err != nil {
		in.publish(eventbus.TypeIntakeRejected, ev.Source, "")
		return nil, err
	}

	if !in.limiter(ev.Source).Allow() {
		in.log.Warn("event throttled", logx.String("source", ev.Source))
		in.publish(eventbus.TypeIntakeThrottled, ev.Source, "")
		return nil, fmt.Errorf("%w: %s", ErrThrottled, ev.Source)
	}

	now := in.opts.Now().UTC()
	fp := dispatch.Fingerprint(ev.Source, ev.Kind, ev.Payload, ev.At)

	lock := in.fpLock(fp)
	lock.Lock()
	defer lock.Unlock()

	if _, hit, err := in.store.DedupUntil(ctx, fp, now); err != nil {
		return nil, err
	} else if hit {
		in.log.Debug("event deduplicated",
			logx.String("source", ev.Source),
			logx.String("fingerprint", fp))
		in.publish(eventbus.TypeIntakeDeduped, ev.Source, "")
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, fp)
	}

	n := &dispatch.Notification{
		ID:        dispatch.NotificationID(fp, now),
		Source:    ev.Source,
		Kind:      ev.Kind,
		DedupKey:  fp,
		Payload:   ev.Payload,
		CreatedAt: now,
	}
	entry := &dispatch.QueueEntry{
		NotificationID: n.ID,
		Source:         n.Source,
		Seq:            now.UnixNano(),
		EnqueuedAt:     now,
	}
	if err := in.store.CreateNotification(ctx, n, entry, now.Add(in.opts.DedupWindow)); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	if err := in.queue.Enqueue(ctx, n, entry); err != nil {
		return nil, err
	}

	in.log.Info("event accepted",
		logx.String("source", n.Source),
		logx.String("notification_id", n.ID))
	in.publish(eventbus.TypeIntakeAccepted, n.Source, n.ID)
	return n, nil
}

func (in *Intake) validate(ev RawEvent) error {
	if strings.TrimSpace(ev.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidEvent)
	}
	if strings.TrimSpace(ev.Payload) == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if len(ev.Payload) > in.opts.MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d",
			ErrInvalidEvent, len(ev.Payload), in.opts.MaxPayloadBytes)
	}
	return nil
}

func (in *Intake) fpLock(fp string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return &in.fpLocks[h.Sum32()%uint32(len(in.fpLocks))]
}

func (in *Intake) limiter(source string) *rate.Limiter {
	in.mu.Lock()
	defer in.mu.Unlock()
	lim, ok := in.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(in.opts.RatePerSec), in.opts.Burst)
		in.limiters[source] = lim
	}
	return lim
}

func (in *Intake) publish(typ, source, id string) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"source":          source,
		"notification_id": id,
	}})
}
