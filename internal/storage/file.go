package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "notifbot/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only batch journal)
//
// Every mutation is one journal line holding a whole batch, so replay is
// all-or-nothing per batch: a torn write at the tail is a single
// unparseable line and gets skipped, never a half-applied batch. The
// journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	kv           map[string][]byte

	writes       int
	compactEvery int
}

type journalRecord struct {
	Ops []journalOp `json:"ops"`
}

type journalOp struct {
	Del bool   `json:"del,omitempty"`
	Key string `json:"k"`
	Val []byte `json:"v,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: storage.path is required for file driver", ErrUnavailable)
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	kv := map[string][]byte{}
	if err := loadSnapshot(snapPath, kv); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrUnavailable, err)
	}
	if err := replayJournal(journalPath, kv); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: journal: %v", ErrUnavailable, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		kv:           kv,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on clean shutdown so restarts replay a short journal.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	return s.Batch(ctx, []Op{Put(key, value)})
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	return s.Batch(ctx, []Op{Delete(key)})
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *fileStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	// Snapshot matching keys under the lock, run fn outside it so callers
	// may issue store operations from the callback.
	s.mu.Lock()
	keys := make([]string, 0, 16)
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		v := s.kv[k]
		vals[i] = make([]byte, len(v))
		copy(vals[i], v)
	}
	s.mu.Unlock()

	for i, k := range keys {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(k, vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) Batch(ctx context.Context, ops []Op) error {
	_ = ctx
	if len(ops) == 0 {
		return nil
	}
	rec := journalRecord{Ops: make([]journalOp, 0, len(ops))}
	for _, op := range ops {
		if op.Key == "" {
			return fmt.Errorf("storage: empty key in batch")
		}
		rec.Ops = append(rec.Ops, journalOp{Del: op.Kind == OpDelete, Key: op.Key, Val: op.Value})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}

	// Journal first; the in-memory state only changes once the whole batch
	// line is on disk. The fsync makes an acknowledged batch survive power
	// loss, not just a process crash.
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return fmt.Errorf("%w: journal append: %v", ErrUnavailable, err)
	}
	if err := s.journalFile.Sync(); err != nil {
		return fmt.Errorf("%w: journal sync: %v", ErrUnavailable, err)
	}
	applyOps(s.kv, rec.Ops)

	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.kv); err != nil {
		_ = f.Close()
		return err
	}
	// Durable before the rename; the journal is truncated right after.
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func applyOps(kv map[string][]byte, ops []journalOp) {
	for _, op := range ops {
		if op.Del {
			delete(kv, op.Key)
			continue
		}
		kv[op.Key] = op.Val
	}
}

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write; the batch never happened.
			continue
		}
		applyOps(out, r.Ops)
	}
	return sc.Err()
}
