package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifbot/internal/dispatch"
	"notifbot/internal/storage"
	logx "notifbot/pkg/logx"
)

func seedStatusStore(t *testing.T) (cfgPath, id string) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  path: "+statePath+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	kv, err := storage.Open(storage.Config{Path: statePath}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	store := dispatch.NewStore(kv, logx.Nop())
	ctx := context.Background()
	now := time.Now().UTC()
	id = "deadbeef1234"
	n := &dispatch.Notification{ID: id, Source: "spool", DedupKey: "fp", Payload: "p", CreatedAt: now}
	e := &dispatch.QueueEntry{NotificationID: id, Source: "spool", Seq: 1, EnqueuedAt: now}
	if err := store.CreateNotification(ctx, n, e, time.Time{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return cfgPath, id
}

func TestLookupStatusResolvesPrefix(t *testing.T) {
	t.Parallel()
	cfgPath, id := seedStatusStore(t)

	st, err := LookupStatus(context.Background(), cfgPath, "deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if st.NotificationID != id {
		t.Fatalf("id = %s, want %s", st.NotificationID, id)
	}
	if st.State != dispatch.StatePending {
		t.Fatalf("state = %s, want pending", st.State)
	}
}

func TestLookupStatusUnknownID(t *testing.T) {
	t.Parallel()
	cfgPath, _ := seedStatusStore(t)

	if _, err := LookupStatus(context.Background(), cfgPath, "nosuch"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLookupStatusBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LookupStatus(context.Background(), cfgPath, "x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
