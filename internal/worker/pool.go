package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifbot/internal/dispatch"
	"notifbot/internal/escalate"
	"notifbot/internal/eventbus"
	"notifbot/internal/queue"
	rtsup "notifbot/internal/runtime/supervisor"
	"notifbot/internal/sender"
	"notifbot/pkg/logx"
)

const (
	defaultWorkers     = 4
	defaultLeaseBatch  = 1
	defaultMaxAttempts = 8
	defaultSendTimeout = 15 * time.Second
)

// Router maps an event to a channel name. The most specific rule wins:
// source/kind, then source, then Default.
type Router struct {
	Default  string
	BySource map[string]string
	ByKind   map[string]string // keyed "source/kind"
}

func (r Router) Route(source, kind string) string {
	if kind != "" {
		if ch, ok := r.ByKind[source+"/"+kind]; ok && ch != "" {
			return ch
		}
	}
	if ch, ok := r.BySource[source]; ok && ch != "" {
		return ch
	}
	return r.Default
}

// Options tunes the delivery pool. Zero values fall back to defaults.
type Options struct {
	Workers     int
	LeaseBatch  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	SendTimeout time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.LeaseBatch <= 0 {
		o.LeaseBatch = defaultLeaseBatch
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Pool is the delivery worker pool. Each worker leases entries, records a
// pending attempt before invoking the channel sender (so a crash mid-send is
// visible in the attempt log), then settles the entry: ack on success or
// terminal failure, nack with backoff otherwise.
type Pool struct {
	queue  *queue.Queue
	store  *dispatch.Store
	reg    *sender.Registry
	router Router
	esc    escalate.Escalator
	bus    eventbus.Bus
	log    logx.Logger
	opts   Options
}

func NewPool(q *queue.Queue, store *dispatch.Store, reg *sender.Registry, router Router, esc escalate.Escalator, bus eventbus.Bus, log logx.Logger, opts Options) *Pool {
	opts.normalize()
	return &Pool{
		queue:  q,
		store:  store,
		reg:    reg,
		router: router,
		esc:    esc,
		bus:    bus,
		log:    log,
		opts:   opts,
	}
}

// Start launches the workers under the supervisor. They run until the
// supervisor's context ends.
func (p *Pool) Start(sup *rtsup.Supervisor) {
	for i := 0; i < p.opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		sup.Go0("delivery."+id, func(ctx context.Context) {
			p.run(ctx, id)
		})
	}
	p.log.Info("delivery pool started", logx.Int("workers", p.opts.Workers))
}

func (p *Pool) run(ctx context.Context, workerID string) {
	log := p.log.With(logx.String("worker", workerID))
	for {
		batch, err := p.queue.Lease(ctx, workerID, p.opts.LeaseBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("lease failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, l := range batch {
			if ctx.Err() != nil {
				return
			}
			p.process(ctx, log, l)
		}
	}
}

func (p *Pool) process(ctx context.Context, log logx.Logger, l queue.Leased) {
	id := l.Entry.NotificationID
	n, err := p.store.GetNotification(ctx, id)
	if errors.Is(err, dispatch.ErrNotFound) {
		log.Error("queue entry without notification record", logx.String("notification_id", id))
		p.esc.Notify(ctx, id, escalate.ReasonOrphan, "queue entry references a missing notification record")
		p.publish(eventbus.TypeOrphanEntry, id, "", 0)
		p.settle(ctx, log, l.Token, id)
		return
	}
	if err != nil {
		log.Error("load notification", logx.Err(err), logx.String("notification_id", id))
		p.nack(ctx, log, l, sender.Transient("store", err))
		return
	}

	attempt := l.Entry.Attempts + 1
	channel := p.router.Route(n.Source, n.Kind)
	snd, err := p.reg.Lookup(channel)
	if err != nil {
		// Unroutable is terminal; retrying cannot fix configuration.
		p.recordAttempt(ctx, log, id, channel, attempt, dispatch.AttemptFailed, err)
		p.fail(ctx, log, l.Token, n, attempt, escalate.ReasonPermanent, err)
		return
	}

	p.recordAttempt(ctx, log, id, channel, attempt, dispatch.AttemptPending, nil)

	sctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	sendErr := snd.Send(sctx, n)
	cancel()

	if sendErr == nil {
		p.recordAttempt(ctx, log, id, channel, attempt, dispatch.AttemptSuccess, nil)
		p.settle(ctx, log, l.Token, id)
		log.Info("delivered",
			logx.String("notification_id", id),
			logx.String("channel", channel),
			logx.Int("attempt", attempt))
		p.publish(eventbus.TypeDelivered, id, channel, attempt)
		return
	}

	p.recordAttempt(ctx, log, id, channel, attempt, dispatch.AttemptFailed, sendErr)

	if ctx.Err() != nil {
		// Shutdown aborted the send. Leave the lease to expire so the
		// entry is re-offered after restart; the aborted try must not
		// count against the retry budget or settle terminally.
		log.Warn("send aborted by shutdown",
			logx.String("notification_id", id),
			logx.String("channel", channel))
		return
	}

	switch {
	case sender.IsPermanent(sendErr):
		p.fail(ctx, log, l.Token, n, attempt, escalate.ReasonPermanent, sendErr)
	case attempt >= p.opts.MaxAttempts:
		p.fail(ctx, log, l.Token, n, attempt, escalate.ReasonExhausted, sendErr)
	default:
		p.nack(ctx, log, l, sendErr)
	}
}

// settle acks the lease, removing the entry from queue and store.
func (p *Pool) settle(ctx context.Context, log logx.Logger, token, id string) {
	if err := p.queue.Ack(ctx, token); err != nil {
		// Lease lost to the sweeper: another worker owns the entry now and
		// at-least-once covers the overlap.
		log.Warn("ack failed", logx.Err(err), logx.String("notification_id", id))
	}
}

func (p *Pool) fail(ctx context.Context, log logx.Logger, token string, n *dispatch.Notification, attempt int, reason string, cause error) {
	p.settle(ctx, log, token, n.ID)
	log.Error("delivery failed terminally",
		logx.String("notification_id", n.ID),
		logx.String("source", n.Source),
		logx.Int("attempt", attempt),
		logx.String("reason", reason),
		logx.Err(cause))
	p.esc.Notify(ctx, n.ID, reason, cause.Error())
	p.publish(eventbus.TypeFailed, n.ID, "", attempt)
}

func (p *Pool) nack(ctx context.Context, log logx.Logger, l queue.Leased, cause error) {
	attempt := l.Entry.Attempts + 1
	delay := backoffDelay(p.opts.BackoffBase, p.opts.BackoffCap, attempt)
	if hint := sender.RetryHint(cause); hint > delay {
		delay = hint
	}
	next := p.opts.Now().UTC().Add(delay)
	if err := p.queue.Nack(ctx, l.Token, next); err != nil {
		log.Warn("nack failed", logx.Err(err), logx.String("notification_id", l.Entry.NotificationID))
		return
	}
	log.Warn("delivery retry scheduled",
		logx.String("notification_id", l.Entry.NotificationID),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(cause))
	p.publish(eventbus.TypeRetrying, l.Entry.NotificationID, "", attempt)
}

func (p *Pool) recordAttempt(ctx context.Context, log logx.Logger, id, channel string, attempt int, status dispatch.AttemptStatus, cause error) {
	a := &dispatch.DeliveryAttempt{
		NotificationID: id,
		Channel:        channel,
		Attempt:        attempt,
		Status:         status,
		At:             p.opts.Now().UTC(),
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	if err := p.store.AppendAttempt(ctx, a); err != nil {
		log.Error("record attempt", logx.Err(err), logx.String("notification_id", id))
	}
}

func (p *Pool) publish(typ, id, channel string, attempt int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"notification_id": id,
		"channel":         channel,
		"attempt":         attempt,
	}})
}
