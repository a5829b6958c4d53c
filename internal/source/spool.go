package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"notifbot/internal/intake"
	"notifbot/pkg/logx"
)

const (
	spoolName     = "spool"
	rescanEvery   = 30 * time.Second
	rejectedExt   = ".rejected"
	spoolSettleMs = 50
)

// spoolEvent is the JSON body of one event file.
type spoolEvent struct {
	Kind    string    `json:"kind,omitempty"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at,omitempty"`
}

// Spool turns JSON files dropped into a directory into raw events. Files are
// removed once accepted (or recognized as duplicates); malformed files are
// renamed aside so they stop blocking the directory. Existing files are
// replayed on startup, and a periodic rescan catches anything fsnotify
// missed.
type Spool struct {
	dir string
	log logx.Logger
}

func NewSpool(dir string, log logx.Logger) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("spool dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, log: log}, nil
}

func (s *Spool) Name() string { return spoolName }

func (s *Spool) Run(ctx context.Context, submit SubmitFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	// Startup replay before reacting to live events.
	s.scan(ctx, submit)

	ticker := time.NewTicker(rescanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("spool watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isEventFile(ev.Name) {
				continue
			}
			// Give the producer a moment to finish the write.
			time.Sleep(spoolSettleMs * time.Millisecond)
			s.consume(ctx, submit, ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("spool watcher closed")
			}
			s.log.Warn("spool watcher error", logx.Err(err))
		case <-ticker.C:
			s.scan(ctx, submit)
		}
	}
}

func (s *Spool) scan(ctx context.Context, submit SubmitFunc) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("read spool dir", logx.Err(err), logx.String("dir", s.dir))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isEventFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	// Oldest names first keeps replay order stable for timestamp-named files.
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.consume(ctx, submit, filepath.Join(s.dir, name))
	}
}

func (s *Spool) consume(ctx context.Context, submit SubmitFunc, path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read spool file", logx.Err(err), logx.String("file", path))
		}
		return
	}
	var ev spoolEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		s.reject(path, err)
		return
	}

	err = submit(ctx, intake.RawEvent{
		Source:  spoolName,
		Kind:    ev.Kind,
		Payload: ev.Payload,
		At:      ev.At,
	})
	switch {
	case err == nil, errors.Is(err, intake.ErrDuplicate):
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("remove spool file", logx.Err(rmErr), logx.String("file", path))
		}
	case errors.Is(err, intake.ErrInvalidEvent):
		s.reject(path, err)
	case errors.Is(err, intake.ErrThrottled):
		// Leave the file in place; the rescan ticker retries it.
		s.log.Debug("spool file deferred (throttled)", logx.String("file", path))
	default:
		s.log.Error("submit spool event", logx.Err(err), logx.String("file", path))
	}
}

// reject renames a bad file aside so it stops being rescanned but stays
// available for inspection.
func (s *Spool) reject(path string, cause error) {
	s.log.Warn("rejecting spool file", logx.Err(cause), logx.String("file", path))
	if err := os.Rename(path, path+rejectedExt); err != nil && !os.IsNotExist(err) {
		s.log.Error("quarantine spool file", logx.Err(err), logx.String("file", path))
	}
}

func isEventFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
