package config

import (
	"reflect"
	"strings"

	logx "remindbot/pkg/logx"
)

// Sections applied live by the running process. Changes elsewhere are
// reported as requiring a restart.
var liveSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
	"dispatch":  true,
}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (never includes tokens or DSNs) and (3) the changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	// WhatsApp (never log DSN)
	if oldCfg.WhatsApp != newCfg.WhatsApp {
		changed = append(changed, "whatsapp")
		attrs = append(attrs,
			logx.String("whatsapp.dialect", newCfg.WhatsApp.Dialect),
			logx.String("whatsapp.device_name", newCfg.WhatsApp.DeviceName),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Int("storage.retain_dispatches", newCfg.Storage.RetainDispatches),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		retries := -1
		if newCfg.Dispatch.MaxRetries != nil {
			retries = *newCfg.Dispatch.MaxRetries
		}
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.batch_delay", newCfg.Dispatch.BatchDelay),
			logx.Int("dispatch.max_retries", retries),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Bool("dispatch.breaker", newCfg.Dispatch.Breaker.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Connection, newCfg.Connection) {
		changed = append(changed, "connection")
		attrs = append(attrs,
			logx.Bool("connection.auto_reconnect", newCfg.Connection.AutoReconnectEnabled()),
			logx.Int("connection.max_attempts", newCfg.Connection.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Environment != newCfg.Environment {
		changed = append(changed, "environment")
		attrs = append(attrs,
			logx.String("environment.name", newCfg.Environment.Name),
			logx.Bool("environment.constrained", newCfg.Environment.Constrained),
		)
	}

	restart := make([]string, 0, len(changed))
	for _, sec := range changed {
		if !liveSections[sec] {
			restart = append(restart, sec)
		}
	}
	return changed, attrs, restart
}
