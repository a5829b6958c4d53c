package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifbot/internal/storage"
	"notifbot/pkg/logx"
)

// ErrNotFound is returned when the referenced notification or queue entry
// does not exist.
var ErrNotFound = storage.ErrNotFound

// Store is the typed record layer over the raw KV store. All multi-record
// transitions go through storage batches so a crash never leaves a
// notification half-created.
type Store struct {
	kv  storage.Store
	log logx.Logger
}

func NewStore(kv storage.Store, log logx.Logger) *Store {
	return &Store{kv: kv, log: log}
}

// CreateNotification persists the notification record, its queue entry and
// its dedup marker in a single atomic batch.
func (s *Store) CreateNotification(ctx context.Context, n *Notification, entry *QueueEntry, dedupUntil time.Time) error {
	nb, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	eb, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	ops := []storage.Op{
		storage.Put(notifKey(n.ID), nb),
		storage.Put(queueKey(n.ID), eb),
	}
	if !dedupUntil.IsZero() {
		ops = append(ops, storage.Put(dedupKey(n.DedupKey), []byte(strconv.FormatInt(dedupUntil.UnixMilli(), 10))))
	}
	return s.kv.Batch(ctx, ops)
}

func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	b, err := s.kv.Get(ctx, notifKey(id))
	if err != nil {
		return nil, err
	}
	var n Notification
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("decode notification %s: %w", id, err)
	}
	return &n, nil
}

// DedupUntil returns the expiry of the dedup marker for a fingerprint, or
// ok=false when no marker exists. Expired markers count as absent.
func (s *Store) DedupUntil(ctx context.Context, fp string, now time.Time) (time.Time, bool, error) {
	b, err := s.kv.Get(ctx, dedupKey(fp))
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode dedup marker %s: %w", fp, err)
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// SaveEntry overwrites the queue entry for its notification.
func (s *Store) SaveEntry(ctx context.Context, e *QueueEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	return s.kv.Put(ctx, queueKey(e.NotificationID), b)
}

func (s *Store) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	b, err := s.kv.Get(ctx, queueKey(id))
	if err != nil {
		return nil, err
	}
	var e QueueEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode queue entry %s: %w", id, err)
	}
	return &e, nil
}

// RemoveEntry deletes the queue entry on terminal success or failure. The
// notification record and attempt log stay for audit.
func (s *Store) RemoveEntry(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, queueKey(id))
}

// AppendAttempt writes one attempt record. The same (id, attempt) key is
// written twice per try: once pending before the send, once with the
// outcome after.
func (s *Store) AppendAttempt(ctx context.Context, a *DeliveryAttempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	return s.kv.Put(ctx, attemptKey(a.NotificationID, a.Attempt), b)
}

// Attempts returns the full attempt history for a notification in attempt
// order.
func (s *Store) Attempts(ctx context.Context, id string) ([]DeliveryAttempt, error) {
	var out []DeliveryAttempt
	err := s.kv.Scan(ctx, attemptScanPrefix(id), func(key string, value []byte) error {
		var a DeliveryAttempt
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode attempt %s: %w", key, err)
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanEntries calls fn for every queue entry in the store.
func (s *Store) ScanEntries(ctx context.Context, fn func(*QueueEntry) error) error {
	return s.kv.Scan(ctx, queuePrefix, func(key string, value []byte) error {
		var e QueueEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode queue entry %s: %w", key, err)
		}
		return fn(&e)
	})
}

// Status reports the lifecycle state of a notification together with its
// attempt history. A notification with no queue entry is delivered if its
// last attempt succeeded and failed otherwise.
func (s *Store) Status(ctx context.Context, id string) (*Status, error) {
	if _, err := s.GetNotification(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &Status{NotificationID: id, Attempts: attempts}
	entry, err := s.GetEntry(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		st.State = StateFailed
		if n := len(attempts); n > 0 && attempts[n-1].Status == AttemptSuccess {
			st.State = StateDelivered
		}
	case err != nil:
		return nil, err
	case entry.Leased():
		st.State = StateLeased
	case entry.Attempts > 0:
		st.State = StateRetrying
	default:
		st.State = StatePending
	}
	return st, nil
}

// RecoverReport summarizes the startup recovery scan.
type RecoverReport struct {
	Entries  []QueueEntry
	Orphans  []string
	Released int
}

// Recover scans all queue entries at startup, clears any leases left behind
// by a previous run, and strips queue entries whose notification record is
// missing. Returned entries are ready to be re-indexed by the queue.
func (s *Store) Recover(ctx context.Context) (*RecoverReport, error) {
	rep := &RecoverReport{}
	err := s.ScanEntries(ctx, func(e *QueueEntry) error {
		if _, err := s.GetNotification(ctx, e.NotificationID); errors.Is(err, storage.ErrNotFound) {
			rep.Orphans = append(rep.Orphans, e.NotificationID)
			return nil
		} else if err != nil {
			return err
		}
		if e.Leased() {
			e.ClearLease()
			if err := s.SaveEntry(ctx, e); err != nil {
				return err
			}
			rep.Released++
		}
		rep.Entries = append(rep.Entries, *e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range rep.Orphans {
		if err := s.RemoveEntry(ctx, id); err != nil {
			return nil, err
		}
		s.log.Warn("removed orphan queue entry", logx.String("notification_id", id))
	}
	return rep, nil
}

// CheckIntegrity scans the whole store for keys outside the known record
// namespaces. Foreign keys mean something else wrote to the volume; they are
// reported, not repaired.
func (s *Store) CheckIntegrity(ctx context.Context) ([]string, error) {
	var foreign []string
	err := s.kv.Scan(ctx, "", func(key string, _ []byte) error {
		if !IsRecordKey(key) {
			foreign = append(foreign, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return foreign, nil
}

// Purge removes terminal notifications older than the cutoff together with
// their attempt logs, and drops expired dedup markers. It returns the number
// of notifications removed.
func (s *Store) Purge(ctx context.Context, cutoff, now time.Time) (int, error) {
	var stale []string
	err := s.kv.Scan(ctx, notifPrefix, func(key string, value []byte) error {
		var n Notification
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("decode notification %s: %w", key, err)
		}
		if n.CreatedAt.After(cutoff) {
			return nil
		}
		stale = append(stale, n.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range stale {
		// Still queued means still live regardless of age.
		if _, err := s.GetEntry(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return purged, err
		}
		ops := []storage.Op{storage.Delete(notifKey(id))}
		err := s.kv.Scan(ctx, attemptScanPrefix(id), func(key string, _ []byte) error {
			ops = append(ops, storage.Delete(key))
			return nil
		})
		if err != nil {
			return purged, err
		}
		if err := s.kv.Batch(ctx, ops); err != nil {
			return purged, err
		}
		purged++
	}

	var expired []string
	err = s.kv.Scan(ctx, dedupPrefix, func(key string, value []byte) error {
		ms, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || !time.UnixMilli(ms).After(now) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return purged, err
	}
	for _, key := range expired {
		if err := s.kv.Delete(ctx, key); err != nil {
			return purged, err
		}
	}
	if purged > 0 || len(expired) > 0 {
		s.log.Info("retention purge",
			logx.Int("notifications", purged),
			logx.Int("dedup_markers", len(expired)))
	}
	return purged, nil
}

// LookupByPrefix resolves a (possibly abbreviated) notification id to the
// full id. It errors when the prefix is ambiguous.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", ErrNotFound
	}
	var matches []string
	err := s.kv.Scan(ctx, notifPrefix+prefix, func(key string, _ []byte) error {
		matches = append(matches, strings.TrimPrefix(key, notifPrefix))
		return nil
	})
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous id prefix %q matches %d notifications", prefix, len(matches))
	}
}
