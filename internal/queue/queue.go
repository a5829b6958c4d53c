package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifbot/internal/dispatch"
	"notifbot/internal/eventbus"
	"notifbot/pkg/logx"
)

// ErrLeaseLost is returned by Ack and Nack when the lease token is unknown,
// already expired, or was reclaimed by the sweeper. The caller must not make
// further state changes for that entry.
var ErrLeaseLost = errors.New("queue: lease lost")

const (
	defaultLeaseTimeout  = 30 * time.Second
	defaultSweepInterval = 5 * time.Second
)

// Options tunes lease behavior. Zero values fall back to defaults.
type Options struct {
	LeaseTimeout  time.Duration
	SweepInterval time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) normalize() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = defaultLeaseTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Leased is one entry handed to a worker together with its lease token.
type Leased struct {
	Token string
	Entry dispatch.QueueEntry
}

// Queue is the durable dispatch queue. Every entry lives in the store (the
// intake layer writes it there atomically with the notification); the queue
// keeps an in-memory index for ordering and lease bookkeeping.
//
// Ordering: FIFO per source by enqueue sequence, round-robin across sources
// so one chatty producer cannot starve the rest.
type Queue struct {
	store *dispatch.Store
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options

	mu       sync.Mutex
	bySource map[string][]*dispatch.QueueEntry // each slice sorted by Seq
	sources  []string                          // rotation order
	rr       int
	leased   map[string]*dispatch.QueueEntry // token -> entry
	wake     chan struct{}
}

func New(store *dispatch.Store, bus eventbus.Bus, log logx.Logger, opts Options) *Queue {
	opts.normalize()
	return &Queue{
		store:    store,
		bus:      bus,
		log:      log,
		opts:     opts,
		bySource: map[string][]*dispatch.QueueEntry{},
		leased:   map[string]*dispatch.QueueEntry{},
		wake:     make(chan struct{}),
	}
}

// Load indexes entries recovered from the store at startup. Call before any
// worker starts leasing.
func (q *Queue) Load(entries []dispatch.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range entries {
		e := entries[i]
		q.insertLocked(&e)
	}
	if len(entries) > 0 {
		q.log.Info("queue index loaded", logx.Int("entries", len(entries)))
		q.wakeLocked()
	}
}

// Enqueue indexes an entry already persisted by intake and wakes waiting
// workers.
func (q *Queue) Enqueue(_ context.Context, n *dispatch.Notification, e *dispatch.QueueEntry) error {
	cp := *e
	q.mu.Lock()
	q.insertLocked(&cp)
	q.wakeLocked()
	q.mu.Unlock()
	q.log.Debug("entry enqueued",
		logx.String("source", n.Source),
		logx.String("notification_id", n.ID))
	return nil
}

// Lease blocks until at least one entry is ready, then returns up to max
// entries under fresh leases. It returns ctx.Err() when the context ends
// first. Leases are persisted before the entries are handed out, so a crash
// mid-flight is visible to the recovery scan.
func (q *Queue) Lease(ctx context.Context, workerID string, max int) ([]Leased, error) {
	if max <= 0 {
		max = 1
	}
	for {
		q.mu.Lock()
		now := q.opts.Now().UTC()
		batch, err := q.takeLocked(ctx, workerID, max, now)
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}
		if len(batch) > 0 {
			q.mu.Unlock()
			for _, l := range batch {
				q.publish(eventbus.TypeEntryLeased, l.Entry.NotificationID, l.Entry.Source)
			}
			return batch, nil
		}
		wake := q.wake
		wait := q.nextReadyLocked(now)
		q.mu.Unlock()

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack removes the entry from queue and store. Used for both terminal
// outcomes; the attempt log records which one it was.
func (q *Queue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	e, ok := q.leased[token]
	if !ok {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.leased, token)
	q.mu.Unlock()
	return q.store.RemoveEntry(ctx, e.NotificationID)
}

// Nack releases the lease and schedules the entry for retry at nextRetryAt
// with its attempt counter bumped.
func (q *Queue) Nack(ctx context.Context, token string, nextRetryAt time.Time) error {
	q.mu.Lock()
	e, ok := q.leased[token]
	if !ok {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.leased, token)
	e.ClearLease()
	e.Attempts++
	e.NextRetryAt = nextRetryAt
	if err := q.store.SaveEntry(ctx, e); err != nil {
		q.mu.Unlock()
		return err
	}
	q.insertLocked(e)
	q.wakeLocked()
	q.mu.Unlock()
	return nil
}

// Run sweeps expired leases until ctx ends. Expired entries become leasable
// again with their attempt counter untouched; the pending attempt record the
// worker wrote before sending is the audit trail for the lost try.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	now := q.opts.Now().UTC()
	q.mu.Lock()
	var expired []*dispatch.QueueEntry
	for token, e := range q.leased {
		if !e.LeaseExpires.After(now) {
			delete(q.leased, token)
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		worker := e.LeaseWorker
		e.ClearLease()
		if err := q.store.SaveEntry(ctx, e); err != nil {
			q.log.Error("persist expired lease release", logx.Err(err),
				logx.String("notification_id", e.NotificationID))
		}
		q.insertLocked(e)
		q.log.Warn("lease expired",
			logx.String("notification_id", e.NotificationID),
			logx.String("worker", worker))
	}
	if len(expired) > 0 {
		q.wakeLocked()
	}
	q.mu.Unlock()
	for _, e := range expired {
		q.publish(eventbus.TypeLeaseExpired, e.NotificationID, e.Source)
	}
}

// Depth returns the number of indexed (not leased) entries per source.
func (q *Queue) Depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.bySource))
	for src, list := range q.bySource {
		if len(list) > 0 {
			out[src] = len(list)
		}
	}
	return out
}

// takeLocked pulls up to max ready entries, rotating across sources. Within
// a source the lowest-Seq ready entry wins; entries waiting on NextRetryAt
// are skipped without blocking younger ready ones.
func (q *Queue) takeLocked(ctx context.Context, workerID string, max int, now time.Time) ([]Leased, error) {
	var batch []Leased
	for len(batch) < max {
		e, src := q.pickLocked(now)
		if e == nil {
			break
		}
		token := uuid.NewString()
		e.LeaseToken = token
		e.LeaseWorker = workerID
		e.LeaseExpires = now.Add(q.opts.LeaseTimeout)
		if err := q.store.SaveEntry(ctx, e); err != nil {
			// Put it back untouched; the store is the authority.
			e.ClearLease()
			q.insertLocked(e)
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, err
		}
		q.leased[token] = e
		q.log.Debug("entry leased",
			logx.String("notification_id", e.NotificationID),
			logx.String("source", src),
			logx.String("worker", workerID))
		batch = append(batch, Leased{Token: token, Entry: *e})
	}
	return batch, nil
}

// pickLocked finds the next ready entry in round-robin source order and
// removes it from the index.
func (q *Queue) pickLocked(now time.Time) (*dispatch.QueueEntry, string) {
	n := len(q.sources)
	for i := 0; i < n; i++ {
		src := q.sources[(q.rr+i)%n]
		list := q.bySource[src]
		for j, e := range list {
			if e.NextRetryAt.After(now) {
				continue
			}
			q.bySource[src] = append(list[:j], list[j+1:]...)
			q.rr = (q.rr + i + 1) % n
			return e, src
		}
	}
	return nil, ""
}

// nextReadyLocked returns how long until the earliest NextRetryAt, or 0 when
// nothing is scheduled (wait on the wake channel alone).
func (q *Queue) nextReadyLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, list := range q.bySource {
		for _, e := range list {
			if e.NextRetryAt.After(now) && (earliest.IsZero() || e.NextRetryAt.Before(earliest)) {
				earliest = e.NextRetryAt
			}
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.Sub(now)
}

func (q *Queue) insertLocked(e *dispatch.QueueEntry) {
	list, ok := q.bySource[e.Source]
	if !ok {
		q.sources = append(q.sources, e.Source)
	}
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > e.Seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	q.bySource[e.Source] = list
}

func (q *Queue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) publish(typ, id, source string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"notification_id": id,
		"source":          source,
	}})
}
