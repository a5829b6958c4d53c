package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides. Secrets and deployment-specific endpoints can be
// injected without touching the mounted config file; env always wins.
const (
	EnvTelegramToken      = "NOTIFBOT_TELEGRAM_TOKEN"
	EnvTelegramChatID     = "NOTIFBOT_TELEGRAM_CHAT_ID"
	EnvWebhookEndpoint    = "NOTIFBOT_WEBHOOK_ENDPOINT"
	EnvEscalationEndpoint = "NOTIFBOT_ESCALATION_ENDPOINT"
	EnvStoragePath        = "NOTIFBOT_STORAGE_PATH"
	EnvLogLevel           = "NOTIFBOT_LOG_LEVEL"
)

// ApplyEnvOverrides mutates cfg with values from the process environment.
func ApplyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramChatID)); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q: %w", EnvTelegramChatID, v, err)
		}
		cfg.Telegram.ChatID = id
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebhookEndpoint)); v != "" {
		cfg.Webhook.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEscalationEndpoint)); v != "" {
		cfg.Escalation.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoragePath)); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
