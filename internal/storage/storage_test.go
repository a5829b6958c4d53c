package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"notifbot/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestFileStoreRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key: %v", err)
	}
	if err := s.Put(ctx, "notif:a", []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get(ctx, "notif:a")
	if err != nil || string(v) != "one" {
		t.Fatalf("get: %q %v", v, err)
	}
	if err := s.Delete(ctx, "notif:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "notif:a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key: %v", err)
	}
}

func TestFileStoreReopenReplays(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.Batch(ctx, []Op{
		Put("notif:a", []byte("1")),
		Put("queue:a", []byte("2")),
		Put("notif:b", []byte("3")),
		Delete("notif:b"),
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openTestStore(t, path)
	defer s2.Close()
	if v, err := s2.Get(ctx, "notif:a"); err != nil || string(v) != "1" {
		t.Fatalf("notif:a after reopen: %q %v", v, err)
	}
	if v, err := s2.Get(ctx, "queue:a"); err != nil || string(v) != "2" {
		t.Fatalf("queue:a after reopen: %q %v", v, err)
	}
	if _, err := s2.Get(ctx, "notif:b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted key resurrected: %v", err)
	}
}

func TestFileStoreScanOrderedPrefix(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"queue:c", "notif:b", "queue:a", "notif:a", "queue:b"} {
		if err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var got []string
	err := s.Scan(ctx, "queue:", func(key string, value []byte) error {
		if string(value) != key {
			t.Fatalf("value mismatch for %s", key)
		}
		got = append(got, key)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"queue:a", "queue:b", "queue:c"}
	if len(got) != len(want) {
		t.Fatalf("scan keys: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan order: %v", got)
		}
	}
}

func TestFileStoreScanStopsOnError(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()
	ctx := context.Background()
	for _, k := range []string{"a:1", "a:2", "a:3"} {
		_ = s.Put(ctx, k, []byte("x"))
	}

	boom := errors.New("boom")
	n := 0
	err := s.Scan(ctx, "a:", func(string, []byte) error {
		n++
		if n == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) || n != 2 {
		t.Fatalf("scan: n=%d err=%v", n, err)
	}
}

func TestFileStoreMutateDuringScan(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()
	ctx := context.Background()
	for _, k := range []string{"q:1", "q:2"} {
		_ = s.Put(ctx, k, []byte("x"))
	}

	// Callbacks may write back to the store without deadlocking.
	err := s.Scan(ctx, "q:", func(key string, _ []byte) error {
		return s.Put(ctx, "seen:"+key, []byte("y"))
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := s.Get(ctx, "seen:q:1"); err != nil {
		t.Fatalf("write from scan callback lost: %v", err)
	}
}

func TestFileStoreTornJournalTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.Put(ctx, "notif:a", []byte("good")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Simulate a crash: skip Close (which compacts) and tear the journal tail.
	journal := filepath.Join(dir, "state.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"ops":[{"k":"notif:b","v":"`); err != nil {
		t.Fatalf("tear journal: %v", err)
	}
	_ = f.Close()

	s2 := openTestStore(t, path)
	defer s2.Close()
	if v, err := s2.Get(ctx, "notif:a"); err != nil || string(v) != "good" {
		t.Fatalf("complete batch lost: %q %v", v, err)
	}
	if _, err := s2.Get(ctx, "notif:b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("torn batch applied: %v", err)
	}
}

func TestFileStoreBatchRejectsEmptyKey(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	defer s.Close()
	if err := s.Batch(context.Background(), []Op{Put("", []byte("x"))}); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestFileStoreClosedIsUnavailable(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	_ = s.Close()
	err := s.Put(context.Background(), "k", []byte("v"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("put on closed store: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd", Path: "/tmp/x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
