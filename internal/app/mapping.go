package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifbot/internal/config"
	"notifbot/internal/intake"
	"notifbot/internal/queue"
	"notifbot/internal/source"
	"notifbot/internal/storage"
	"notifbot/internal/worker"
)

// ErrInvalidConfig marks configuration problems that should exit with the
// dedicated config status code instead of a generic startup failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultDedupWindow     = "5m"
	defaultRetentionMaxAge = 7 * 24 * time.Hour
	defaultRetentionCron   = "17 * * * *" // hourly, off the minute to avoid clustering with schedules
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// validateConfig is the full startup/hot-reload validation. Hot reloads that
// fail here keep the previous config running.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return invalidf("empty config")
	}
	if !cfg.Telegram.Enabled && !cfg.Webhook.Enabled {
		return invalidf("no channel enabled: set telegram.enabled or webhook.enabled")
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return invalidf("telegram.token is required (or %s)", config.EnvTelegramToken)
		}
		if cfg.Telegram.ChatID == 0 {
			return invalidf("telegram.chat_id is required (or %s)", config.EnvTelegramChatID)
		}
	}
	if cfg.Webhook.Enabled && strings.TrimSpace(cfg.Webhook.Endpoint) == "" {
		return invalidf("webhook.endpoint is required when webhook.enabled")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return invalidf("storage.path is required")
	}

	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIntakeOptions(cfg); err != nil {
		return err
	}
	if _, err := mapQueueOptions(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerOptions(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetention(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleEntries(cfg); err != nil {
		return err
	}
	if cfg.Sources.Spool.Enabled && strings.TrimSpace(cfg.Sources.Spool.Dir) == "" {
		return invalidf("sources.spool.dir is required when sources.spool.enabled")
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapIntakeOptions(cfg *config.Config) (intake.Options, error) {
	window, err := config.ParseDurationOrDefault("intake.dedup_window", cfg.Intake.DedupWindow, mustDuration(defaultDedupWindow))
	if err != nil {
		return intake.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Intake.RatePerSec < 0 || cfg.Intake.Burst < 0 || cfg.Intake.MaxPayloadBytes < 0 {
		return intake.Options{}, invalidf("intake limits must be >= 0")
	}
	return intake.Options{
		DedupWindow:     window,
		RatePerSec:      cfg.Intake.RatePerSec,
		Burst:           cfg.Intake.Burst,
		MaxPayloadBytes: cfg.Intake.MaxPayloadBytes,
	}, nil
}

func mapQueueOptions(cfg *config.Config) (queue.Options, error) {
	lease, err := config.ParseDurationField("queue.lease_timeout", cfg.Queue.LeaseTimeout)
	if err != nil {
		return queue.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sweep, err := config.ParseDurationField("queue.sweep_interval", cfg.Queue.SweepInterval)
	if err != nil {
		return queue.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return queue.Options{LeaseTimeout: lease, SweepInterval: sweep}, nil
}

func mapWorkerOptions(cfg *config.Config) (worker.Options, error) {
	if cfg.Worker.Workers < 0 || cfg.Worker.LeaseBatch < 0 || cfg.Worker.MaxAttempts < 0 {
		return worker.Options{}, invalidf("worker counts must be >= 0")
	}
	base, err := config.ParseDurationField("worker.backoff_base", cfg.Worker.BackoffBase)
	if err != nil {
		return worker.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cap, err := config.ParseDurationField("worker.backoff_cap", cfg.Worker.BackoffCap)
	if err != nil {
		return worker.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	send, err := config.ParseDurationField("worker.send_timeout", cfg.Worker.SendTimeout)
	if err != nil {
		return worker.Options{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if base > 0 && cap > 0 && cap < base {
		return worker.Options{}, invalidf("worker.backoff_cap must be >= worker.backoff_base")
	}
	return worker.Options{
		Workers:     cfg.Worker.Workers,
		LeaseBatch:  cfg.Worker.LeaseBatch,
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: base,
		BackoffCap:  cap,
		SendTimeout: send,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, string, error) {
	maxAge, err := config.ParseDurationOrDefault("retention.max_age", cfg.Retention.MaxAge, defaultRetentionMaxAge)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	spec := strings.TrimSpace(cfg.Retention.Schedule)
	if spec == "" {
		spec = defaultRetentionCron
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(spec); err != nil {
		return 0, "", invalidf("retention.schedule: bad cron spec %q: %v", spec, err)
	}
	return maxAge, spec, nil
}

func mapScheduleEntries(cfg *config.Config) ([]source.ScheduleEntry, error) {
	if len(cfg.Sources.Schedule) == 0 {
		return nil, nil
	}
	entries := make([]source.ScheduleEntry, 0, len(cfg.Sources.Schedule))
	seen := map[string]bool{}
	for _, sc := range cfg.Sources.Schedule {
		if seen[sc.Name] {
			return nil, invalidf("sources.schedule: duplicate name %q", sc.Name)
		}
		seen[sc.Name] = true
		entries = append(entries, source.ScheduleEntry{
			Name:    sc.Name,
			Spec:    sc.Spec,
			Message: sc.Message,
			Channel: sc.Channel,
		})
	}
	return entries, nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}
