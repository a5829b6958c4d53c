package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable wraps failures of the backing volume (open, corruption,
	// IO). Callers treat it as fatal; there is no in-memory fallback.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// Config configures the store.
//
// If Driver is empty, "file" is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single mutation inside a write batch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

func Put(key string, value []byte) Op { return Op{Kind: OpPut, Key: key, Value: value} }
func Delete(key string) Op            { return Op{Kind: OpDelete, Key: key} }
