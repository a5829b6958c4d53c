package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifbot/internal/dispatch"
	"notifbot/internal/escalate"
	"notifbot/internal/eventbus"
	"notifbot/internal/queue"
	rtsup "notifbot/internal/runtime/supervisor"
	"notifbot/internal/sender"
	"notifbot/internal/storage"
	"notifbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	name  string
	errs  []error // consumed per call; nil slice means always succeed
	calls int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(context.Context, *dispatch.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Notify(_ context.Context, _, reason, _ string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeEscalator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

type fixture struct {
	store  *dispatch.Store
	queue  *queue.Queue
	esc    *fakeEscalator
	sup    *rtsup.Supervisor
	cancel context.CancelFunc
}

func startPool(t *testing.T, snd sender.Sender, opts Options) *fixture {
	t.Helper()
	kv, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	store := dispatch.NewStore(kv, logx.Nop())
	q := queue.New(store, eventbus.New(), logx.Nop(), queue.Options{LeaseTimeout: time.Second, SweepInterval: 100 * time.Millisecond})
	esc := &fakeEscalator{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := rtsup.New(ctx, rtsup.WithCancelOnError(false))
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = sup.Wait(wctx)
	})

	pool := NewPool(q, store, sender.NewRegistry(snd), Router{Default: snd.Name()}, esc, eventbus.New(), logx.Nop(), opts)
	pool.Start(sup)
	return &fixture{store: store, queue: q, esc: esc, sup: sup, cancel: cancel}
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	n := &dispatch.Notification{ID: id, Source: "spool", DedupKey: "fp-" + id, Payload: "p", CreatedAt: now}
	e := &dispatch.QueueEntry{NotificationID: id, Source: "spool", Seq: now.UnixNano(), EnqueuedAt: now}
	if err := f.store.CreateNotification(ctx, n, e, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.queue.Enqueue(ctx, n, e); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *fixture) waitState(t *testing.T, id string, want dispatch.State) *dispatch.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := f.store.Status(context.Background(), id)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := f.store.Status(context.Background(), id)
	t.Fatalf("state never reached %s: last=%+v err=%v", want, st, err)
	return nil
}

func TestPoolDeliversFirstTry(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "telegram"}
	f := startPool(t, snd, Options{Workers: 2})
	f.submit(t, "n1")

	st := f.waitState(t, "n1", dispatch.StateDelivered)
	if len(st.Attempts) != 1 || st.Attempts[0].Status != dispatch.AttemptSuccess {
		t.Fatalf("attempts: %+v", st.Attempts)
	}
	if snd.sent() != 1 {
		t.Fatalf("sends = %d, want 1", snd.sent())
	}
	if len(f.esc.calls()) != 0 {
		t.Fatalf("unexpected escalations: %v", f.esc.calls())
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "telegram", errs: []error{
		sender.Transient("telegram", errors.New("502")),
	}}
	f := startPool(t, snd, Options{
		Workers:     1,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})
	f.submit(t, "n1")

	st := f.waitState(t, "n1", dispatch.StateDelivered)
	if len(st.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2: %+v", len(st.Attempts), st.Attempts)
	}
	if st.Attempts[0].Status != dispatch.AttemptFailed || st.Attempts[1].Status != dispatch.AttemptSuccess {
		t.Fatalf("attempt statuses: %+v", st.Attempts)
	}
}

func TestPoolPermanentFailureEscalates(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "telegram", errs: []error{
		sender.Permanent("telegram", errors.New("403 blocked")),
		sender.Permanent("telegram", errors.New("403 blocked")),
	}}
	f := startPool(t, snd, Options{Workers: 1})
	f.submit(t, "n1")

	st := f.waitState(t, "n1", dispatch.StateFailed)
	if len(st.Attempts) != 1 {
		t.Fatalf("permanent failure retried: %+v", st.Attempts)
	}
	if got := f.esc.calls(); len(got) != 1 || got[0] != escalate.ReasonPermanent {
		t.Fatalf("escalations = %v", got)
	}
}

func TestPoolExhaustsAttempts(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "telegram", errs: []error{
		sender.Transient("telegram", errors.New("timeout")),
		sender.Transient("telegram", errors.New("timeout")),
		sender.Transient("telegram", errors.New("timeout")),
	}}
	f := startPool(t, snd, Options{
		Workers:     1,
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})
	f.submit(t, "n1")

	st := f.waitState(t, "n1", dispatch.StateFailed)
	if len(st.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(st.Attempts))
	}
	if got := f.esc.calls(); len(got) != 1 || got[0] != escalate.ReasonExhausted {
		t.Fatalf("escalations = %v", got)
	}
}

type blockingSender struct {
	name    string
	entered chan struct{}
}

func (b *blockingSender) Name() string { return b.name }

func (b *blockingSender) Send(ctx context.Context, _ *dispatch.Notification) error {
	close(b.entered)
	<-ctx.Done()
	return sender.Transient(b.name, ctx.Err())
}

func TestPoolShutdownMidSendLeavesEntryForRecovery(t *testing.T) {
	t.Parallel()
	snd := &blockingSender{name: "telegram", entered: make(chan struct{})}
	f := startPool(t, snd, Options{Workers: 1, MaxAttempts: 1})
	f.submit(t, "n1")

	select {
	case <-snd.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("send never started")
	}
	f.cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	_ = f.sup.Wait(wctx)

	// The aborted send must not settle the entry or burn the retry budget;
	// the lease is left to expire so the next startup re-offers it.
	ctx := context.Background()
	e, err := f.store.GetEntry(ctx, "n1")
	if err != nil {
		t.Fatalf("entry gone after shutdown: %v", err)
	}
	if e.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", e.Attempts)
	}
	if got := f.esc.calls(); len(got) != 0 {
		t.Fatalf("shutdown escalated: %v", got)
	}
}

func TestPoolEscalatesOrphanEntries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{name: "telegram"}
	f := startPool(t, snd, Options{Workers: 1})

	// Queue entry without a notification record.
	ctx := context.Background()
	e := &dispatch.QueueEntry{NotificationID: "ghost", Source: "spool", Seq: 1, EnqueuedAt: time.Now()}
	if err := f.store.SaveEntry(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = f.queue.Enqueue(ctx, &dispatch.Notification{ID: "ghost", Source: "spool"}, e)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.esc.calls(); len(got) == 1 && got[0] == escalate.ReasonOrphan {
			if snd.sent() != 0 {
				t.Fatalf("orphan was sent %d times", snd.sent())
			}
			if _, err := f.store.GetEntry(ctx, "ghost"); !errors.Is(err, dispatch.ErrNotFound) {
				t.Fatalf("orphan entry not removed: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("orphan never escalated: %v", f.esc.calls())
}

func TestRouterMostSpecificWins(t *testing.T) {
	t.Parallel()
	r := Router{
		Default:  "telegram",
		BySource: map[string]string{"spool": "webhook"},
		ByKind:   map[string]string{"schedule/backup": "webhook"},
	}
	if got := r.Route("spool", "alert"); got != "webhook" {
		t.Fatalf("route spool = %s", got)
	}
	if got := r.Route("schedule", "standup"); got != "telegram" {
		t.Fatalf("route schedule/standup = %s", got)
	}
	if got := r.Route("schedule", "backup"); got != "webhook" {
		t.Fatalf("route schedule/backup = %s", got)
	}
	if got := r.Route("other", ""); got != "telegram" {
		t.Fatalf("route default = %s", got)
	}
}
