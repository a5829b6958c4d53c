package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Key namespaces on the durable store.
const (
	notifPrefix   = "notif:"
	queuePrefix   = "queue:"
	attemptPrefix = "attempt:"
	dedupPrefix   = "dedup:"
)

// Notification is an immutable, normalized event accepted by intake.
// Its ID is a content-derived fingerprint; records are never mutated
// after creation.
type Notification struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind,omitempty"`
	DedupKey  string    `json:"dedup_key"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// DeliveryAttempt is one append-only log entry per delivery try.
// The pending row is written before the sender is invoked and updated
// with the outcome, so a crash between send and record loses nothing.
type DeliveryAttempt struct {
	NotificationID string        `json:"notification_id"`
	Channel        string        `json:"channel"`
	Attempt        int           `json:"attempt"`
	Status         AttemptStatus `json:"status"`
	At             time.Time     `json:"at"`
	Error          string        `json:"error,omitempty"`
}

// QueueEntry is the mutable work item for a pending notification.
// It is removed on terminal success or failure; the Notification and its
// attempts stay behind for audit until retention purges them.
type QueueEntry struct {
	NotificationID string    `json:"notification_id"`
	Source         string    `json:"source"`
	Seq            int64     `json:"seq"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	Attempts       int       `json:"attempts"`

	// Lease fields; zero when the entry is pending.
	LeaseToken   string    `json:"lease_token,omitempty"`
	LeaseWorker  string    `json:"lease_worker,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitempty"`
}

func (e *QueueEntry) Leased() bool { return e != nil && e.LeaseToken != "" }

func (e *QueueEntry) ClearLease() {
	e.LeaseToken = ""
	e.LeaseWorker = ""
	e.LeaseExpires = time.Time{}
}

// State is the externally visible lifecycle state of a notification.
type State string

const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateRetrying  State = "retrying"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Status is the queryable per-notification view (the primary observability
// surface): current state plus the full attempt history.
type Status struct {
	NotificationID string            `json:"notification_id"`
	State          State             `json:"state"`
	Attempts       []DeliveryAttempt `json:"attempts,omitempty"`
}

func notifKey(id string) string        { return notifPrefix + id }
func queueKey(id string) string        { return queuePrefix + id }
func dedupKey(fp string) string        { return dedupPrefix + fp }
func attemptKey(id string, n int) string {
	return fmt.Sprintf("%s%s:%04d", attemptPrefix, id, n)
}
func attemptScanPrefix(id string) string { return attemptPrefix + id + ":" }

// Fingerprint computes the deterministic dedup fingerprint of event content.
// Producers that supply an occurrence time get time-scoped fingerprints
// (each occurrence is its own notification); producers that omit it get
// pure content dedup.
func Fingerprint(source, kind, payload string, at time.Time) string {
	h := sha256.New()
	_, _ = h.Write([]byte(source))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(payload))
	if !at.IsZero() {
		fmt.Fprintf(h, "|%d", at.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// NotificationID derives the record id from content plus creation time, so
// re-accepting identical content after the dedup window expired produces a
// fresh record instead of overwriting audit history.
func NotificationID(dedupFingerprint string, createdAt time.Time) string {
	h := sha256.New()
	_, _ = h.Write([]byte(dedupFingerprint))
	fmt.Fprintf(h, "|%d", createdAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// IsRecordKey reports whether the key belongs to a known namespace.
// Anything else under the store is a corruption signal.
func IsRecordKey(key string) bool {
	return strings.HasPrefix(key, notifPrefix) ||
		strings.HasPrefix(key, queuePrefix) ||
		strings.HasPrefix(key, attemptPrefix) ||
		strings.HasPrefix(key, dedupPrefix)
}
