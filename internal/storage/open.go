package storage

import (
	"context"
	"errors"
	"strings"

	logx "notifbot/pkg/logx"
)

// Store is the key-value persistence API used by the pipeline.
//
// Keys are namespaced by record kind ("notif:", "queue:", "attempt:",
// "dedup:"). Single-key writes are atomic; multi-key updates use Batch.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// Scan visits all keys with the given prefix in ascending key order.
	// Returning a non-nil error from fn stops the scan and propagates it.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Batch applies all ops or none of them.
	Batch(ctx context.Context, ops []Op) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
