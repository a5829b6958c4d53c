package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifbot/internal/intake"
	"notifbot/pkg/logx"
)

const scheduleName = "schedule"

// ScheduleEntry is one recurring reminder.
type ScheduleEntry struct {
	Name    string
	Spec    string // cron spec, standard 5-field syntax
	Message string
	Channel string // optional channel override, applied via routes
}

// Schedule emits one event per cron fire. The fire time goes into the event
// so intake dedup keeps each tick distinct while a crash-replay of the same
// tick is still collapsed.
type Schedule struct {
	entries []ScheduleEntry
	log     logx.Logger
}

func NewSchedule(entries []ScheduleEntry, log logx.Logger) (*Schedule, error) {
	if len(entries) == 0 {
		return nil, errors.New("no schedule entries")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, errors.New("schedule entry without a name")
		}
		if strings.TrimSpace(e.Message) == "" {
			return nil, fmt.Errorf("schedule %q: empty message", e.Name)
		}
		if _, err := parser.Parse(e.Spec); err != nil {
			return nil, fmt.Errorf("schedule %q: bad spec %q: %w", e.Name, e.Spec, err)
		}
	}
	return &Schedule{entries: entries, log: log}, nil
}

func (s *Schedule) Name() string { return scheduleName }

func (s *Schedule) Run(ctx context.Context, submit SubmitFunc) error {
	c := cron.New()
	for _, e := range s.entries {
		e := e
		_, err := c.AddFunc(e.Spec, func() {
			fireAt := time.Now().UTC().Truncate(time.Minute)
			err := submit(ctx, intake.RawEvent{
				Source:  scheduleName,
				Kind:    e.Name,
				Payload: e.Message,
				At:      fireAt,
			})
			if err != nil && !errors.Is(err, intake.ErrDuplicate) {
				s.log.Error("submit scheduled event", logx.Err(err), logx.String("schedule", e.Name))
			}
		})
		if err != nil {
			return fmt.Errorf("register schedule %q: %w", e.Name, err)
		}
		s.log.Info("schedule registered",
			logx.String("schedule", e.Name),
			logx.String("spec", e.Spec))
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("schedule jobs still running at shutdown")
	}
	return nil
}
