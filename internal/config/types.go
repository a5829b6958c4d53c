package config

// Config is the full on-disk configuration for notification_bot.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected on load so typos surface early.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Webhook    WebhookConfig    `json:"webhook"`
	Escalation EscalationConfig `json:"escalation"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
	Intake     IntakeConfig     `json:"intake"`
	Queue      QueueConfig      `json:"queue"`
	Worker     WorkerConfig     `json:"worker"`
	Retention  RetentionConfig  `json:"retention"`
	Sources    SourcesConfig    `json:"sources"`
	Routes     RoutesConfig     `json:"routes"`
}

// TelegramConfig configures the Telegram channel sender.
// Token and ChatID may also come from NOTIFBOT_TELEGRAM_TOKEN /
// NOTIFBOT_TELEGRAM_CHAT_ID (env wins over file).
type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// WebhookConfig configures the generic webhook channel sender.
type WebhookConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// EscalationConfig configures the side-effect channel invoked on terminal
// failures and corruption reports. If the endpoint is empty, escalations
// are logged only.
type EscalationConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig controls the durable state store on the mounted volume.
//
// Driver values:
//   - "file": dependency-free backend (snapshot + journal)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty, "file" is used.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// IntakeConfig bounds event acceptance.
type IntakeConfig struct {
	DedupWindow     string `json:"dedup_window,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	Burst           int    `json:"burst,omitempty"`
	MaxPayloadBytes int    `json:"max_payload_bytes,omitempty"`
}

// QueueConfig controls lease behavior of the dispatch queue.
type QueueConfig struct {
	LeaseTimeout  string `json:"lease_timeout,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// WorkerConfig controls the delivery worker pool.
type WorkerConfig struct {
	Workers     int    `json:"workers,omitempty"`
	LeaseBatch  int    `json:"lease_batch,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffCap  string `json:"backoff_cap,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// RetentionConfig bounds how long terminal notifications and their attempt
// history are kept before the purge sweep removes them.
type RetentionConfig struct {
	MaxAge   string `json:"max_age,omitempty"`
	Schedule string `json:"schedule,omitempty"` // cron spec; default hourly
}

type SourcesConfig struct {
	Spool    SpoolSourceConfig      `json:"spool"`
	Schedule []ScheduleSourceConfig `json:"schedule,omitempty"`
}

// SpoolSourceConfig watches a directory for JSON event files.
type SpoolSourceConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

// ScheduleSourceConfig emits one event per cron fire.
type ScheduleSourceConfig struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

// RoutesConfig maps event sources to channel senders.
type RoutesConfig struct {
	DefaultChannel string            `json:"default_channel,omitempty"`
	BySource       map[string]string `json:"by_source,omitempty"`
}
