package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifbot/internal/storage"
	"notifbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv, logx.Nop())
}

func testNotification(id, source string, at time.Time) (*Notification, *QueueEntry) {
	n := &Notification{
		ID:        id,
		Source:    source,
		DedupKey:  "fp-" + id,
		Payload:   "payload " + id,
		CreatedAt: at,
	}
	e := &QueueEntry{
		NotificationID: id,
		Source:         source,
		Seq:            at.UnixNano(),
		EnqueuedAt:     at,
	}
	return n, e
}

func TestCreateAndStatusPending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Millisecond)

	n, e := testNotification("aaa", "spool", now)
	if err := s.CreateNotification(ctx, n, e, now.Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetNotification(ctx, "aaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload != n.Payload || got.Source != n.Source {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	st, err := s.Status(ctx, "aaa")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StatePending {
		t.Fatalf("state = %s, want %s", st.State, StatePending)
	}

	if _, ok, err := s.DedupUntil(ctx, "fp-aaa", now); err != nil || !ok {
		t.Fatalf("dedup marker missing: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.DedupUntil(ctx, "fp-aaa", now.Add(2*time.Minute)); ok {
		t.Fatal("expired dedup marker still reported present")
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, e := testNotification("bbb", "schedule", now)
	if err := s.CreateNotification(ctx, n, e, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	e.LeaseToken = "tok"
	e.LeaseWorker = "worker-1"
	e.LeaseExpires = now.Add(30 * time.Second)
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("save leased: %v", err)
	}
	if st, _ := s.Status(ctx, "bbb"); st.State != StateLeased {
		t.Fatalf("state = %s, want %s", st.State, StateLeased)
	}

	e.ClearLease()
	e.Attempts = 1
	e.NextRetryAt = now.Add(time.Second)
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("save retrying: %v", err)
	}
	if st, _ := s.Status(ctx, "bbb"); st.State != StateRetrying {
		t.Fatalf("state = %s, want %s", st.State, StateRetrying)
	}

	for i, status := range []AttemptStatus{AttemptFailed, AttemptSuccess} {
		a := &DeliveryAttempt{NotificationID: "bbb", Channel: "telegram", Attempt: i + 1, Status: status, At: now}
		if err := s.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("append attempt: %v", err)
		}
	}
	if err := s.RemoveEntry(ctx, "bbb"); err != nil {
		t.Fatalf("remove entry: %v", err)
	}
	st, err := s.Status(ctx, "bbb")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != StateDelivered {
		t.Fatalf("state = %s, want %s", st.State, StateDelivered)
	}
	if len(st.Attempts) != 2 || st.Attempts[0].Attempt != 1 || st.Attempts[1].Attempt != 2 {
		t.Fatalf("attempts out of order: %+v", st.Attempts)
	}
}

func TestStatusFailedWhenLastAttemptFailed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, e := testNotification("ccc", "spool", now)
	if err := s.CreateNotification(ctx, n, e, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	a := &DeliveryAttempt{NotificationID: "ccc", Channel: "webhook", Attempt: 1, Status: AttemptFailed, At: now, Error: "403"}
	if err := s.AppendAttempt(ctx, a); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RemoveEntry(ctx, "ccc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st, _ := s.Status(ctx, "ccc"); st.State != StateFailed {
		t.Fatalf("state = %s, want %s", st.State, StateFailed)
	}
}

func TestRecoverClearsLeasesAndDropsOrphans(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, e := testNotification("ddd", "spool", now)
	e.LeaseToken = "stale"
	e.LeaseWorker = "worker-9"
	e.LeaseExpires = now.Add(-time.Minute)
	if err := s.CreateNotification(ctx, n, e, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Queue entry with no backing notification record.
	orphan := &QueueEntry{NotificationID: "ghost", Source: "spool", Seq: now.UnixNano(), EnqueuedAt: now}
	if err := s.SaveEntry(ctx, orphan); err != nil {
		t.Fatalf("save orphan: %v", err)
	}

	rep, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Released != 1 {
		t.Fatalf("released = %d, want 1", rep.Released)
	}
	if len(rep.Entries) != 1 || rep.Entries[0].NotificationID != "ddd" || rep.Entries[0].Leased() {
		t.Fatalf("unexpected entries: %+v", rep.Entries)
	}
	if len(rep.Orphans) != 1 || rep.Orphans[0] != "ghost" {
		t.Fatalf("orphans = %v, want [ghost]", rep.Orphans)
	}
	if _, err := s.GetEntry(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("orphan entry not removed: %v", err)
	}
}

func TestPurgeKeepsQueuedAndRecent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	// Old and terminal: purged.
	n1, e1 := testNotification("old-done", "spool", old)
	if err := s.CreateNotification(ctx, n1, e1, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.AppendAttempt(ctx, &DeliveryAttempt{NotificationID: "old-done", Channel: "telegram", Attempt: 1, Status: AttemptSuccess, At: old})
	_ = s.RemoveEntry(ctx, "old-done")

	// Old but still queued: kept.
	n2, e2 := testNotification("old-live", "spool", old)
	if err := s.CreateNotification(ctx, n2, e2, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Recent and terminal: kept.
	n3, e3 := testNotification("new-done", "spool", now)
	if err := s.CreateNotification(ctx, n3, e3, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = s.RemoveEntry(ctx, "new-done")

	purged, err := s.Purge(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := s.GetNotification(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old-done not purged: %v", err)
	}
	if attempts, _ := s.Attempts(ctx, "old-done"); len(attempts) != 0 {
		t.Fatalf("attempt log not purged: %+v", attempts)
	}
	if _, err := s.GetNotification(ctx, "old-live"); err != nil {
		t.Fatalf("old-live purged: %v", err)
	}
	if _, err := s.GetNotification(ctx, "new-done"); err != nil {
		t.Fatalf("new-done purged: %v", err)
	}
}

func TestCheckIntegrityFlagsForeignKeys(t *testing.T) {
	t.Parallel()
	kv, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	s := NewStore(kv, logx.Nop())
	ctx := context.Background()

	n, e := testNotification("ok", "spool", time.Now().UTC())
	if err := s.CreateNotification(ctx, n, e, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if foreign, err := s.CheckIntegrity(ctx); err != nil || len(foreign) != 0 {
		t.Fatalf("clean store flagged: %v err=%v", foreign, err)
	}

	if err := kv.Put(ctx, "garbage:x", []byte("?")); err != nil {
		t.Fatalf("put: %v", err)
	}
	foreign, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(foreign) != 1 || foreign[0] != "garbage:x" {
		t.Fatalf("foreign = %v", foreign)
	}
}

func TestLookupByPrefix(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"abc111", "abc222", "xyz333"} {
		n, e := testNotification(id, "spool", now)
		if err := s.CreateNotification(ctx, n, e, time.Time{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if got, err := s.LookupByPrefix(ctx, "xyz"); err != nil || got != "xyz333" {
		t.Fatalf("lookup xyz: got %q err %v", got, err)
	}
	if _, err := s.LookupByPrefix(ctx, "abc"); err == nil {
		t.Fatal("ambiguous prefix did not error")
	}
	if _, err := s.LookupByPrefix(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing prefix: %v", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Fingerprint("spool", "alert", "disk full", time.Time{})
	b := Fingerprint("spool", "alert", "disk full", time.Time{})
	if a != b {
		t.Fatal("identical content produced different fingerprints")
	}
	if Fingerprint("spool", "alert", "disk full", at) == a {
		t.Fatal("occurrence time not reflected in fingerprint")
	}
	if Fingerprint("other", "alert", "disk full", time.Time{}) == a {
		t.Fatal("source not reflected in fingerprint")
	}
	if NotificationID(a, at) == NotificationID(a, at.Add(time.Second)) {
		t.Fatal("creation time not reflected in id")
	}
}
