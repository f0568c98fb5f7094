package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultTimezone    = "Asia/Manila"
	DefaultCountryCode = "63"
	DefaultHTTPAddr    = ":3000"
	DefaultStorageDSN  = "file:./data/remindbot.db?_journal_mode=WAL&_foreign_keys=on"
	DefaultDeviceDSN   = "file:./data/whatsapp.db?_foreign_keys=on"
)

// ApplyDefaults fills omitted values in place. Constrained environments get
// smaller batches, longer pauses and no automatic reconnects.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}

	if cfg.WhatsApp.Dialect == "" {
		cfg.WhatsApp.Dialect = "sqlite3"
	}
	if cfg.WhatsApp.DSN == "" {
		cfg.WhatsApp.DSN = DefaultDeviceDSN
	}
	if cfg.WhatsApp.DeviceName == "" {
		cfg.WhatsApp.DeviceName = "remindbot"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = DefaultStorageDSN
	}

	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = DefaultTimezone
	}

	d := &cfg.Dispatch
	if d.CountryCode == "" {
		d.CountryCode = DefaultCountryCode
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 5
		if cfg.Environment.Constrained {
			d.BatchSize = 3
		}
	}
	if d.BatchDelay == "" {
		d.BatchDelay = "2s"
		if cfg.Environment.Constrained {
			d.BatchDelay = "3s"
		}
	}
	if d.SendTimeout == "" {
		d.SendTimeout = "15s"
	}
	if d.MaxRetries == nil {
		n := 2
		d.MaxRetries = &n
	}
	if d.RetryBase == "" {
		d.RetryBase = "1s"
	}
	if d.Breaker.ConsecutiveFailures <= 0 {
		d.Breaker.ConsecutiveFailures = 5
	}
	if d.Breaker.OpenTimeout == "" {
		d.Breaker.OpenTimeout = "30s"
	}

	c := &cfg.Connection
	if cfg.Environment.Constrained {
		off := false
		c.AutoReconnect = &off
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Base == "" {
		c.Base = "5s"
	}
	if c.MaxDelay == "" {
		c.MaxDelay = "30s"
	}
	if c.ReadyTimeout == "" {
		c.ReadyTimeout = "60s"
	}
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "5s"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.Environment.Name == "" {
		cfg.Environment.Name = "production"
	}
}

var (
	logLevels   = []any{"trace", "debug", "info", "warn", "warning", "error"}
	countryCode = regexp.MustCompile(`^\d{1,4}$`)
)

// Validate checks an effective (defaulted) config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	return validation.Errors{
		"logging":    validateLogging(cfg.Logging),
		"telegram":   validateTelegram(cfg),
		"whatsapp":   validateWhatsApp(cfg.WhatsApp),
		"storage":    validateStorage(cfg.Storage),
		"scheduler":  validateScheduler(cfg.Scheduler),
		"dispatch":   validateDispatch(cfg.Dispatch),
		"connection": validateConnection(cfg.Connection),
		"http":       validation.Validate(cfg.HTTP.Addr, validation.Required),
	}.Filter()
}

func validateLogging(l LoggingConfig) error {
	return validation.Errors{
		"level":                 validation.Validate(strings.ToLower(l.Level), validation.In(logLevels...)),
		"telegram.min_level":    validation.Validate(strings.ToLower(l.Telegram.MinLevel), validation.In(logLevels...)),
		"telegram.rate_per_sec": validation.Validate(l.Telegram.RatePerSec, validation.Min(0.0)),
	}.Filter()
}

func validateTelegram(cfg *Config) error {
	if !cfg.Logging.Telegram.Enabled {
		return nil
	}
	return validation.Errors{
		"token":   validation.Validate(cfg.Telegram.Token, validation.Required),
		"chat_id": validation.Validate(cfg.Telegram.ChatID, validation.Required),
	}.Filter()
}

func validateWhatsApp(w WhatsAppConfig) error {
	return validation.Errors{
		"dialect": validation.Validate(w.Dialect, validation.In("sqlite3", "postgres")),
		"dsn":     validation.Validate(w.DSN, validation.Required),
	}.Filter()
}

func validateStorage(s StorageConfig) error {
	return validation.Errors{
		"driver":            validation.Validate(s.Driver, validation.In("sqlite", "postgres")),
		"dsn":               validation.Validate(s.DSN, validation.Required),
		"log_level":         validation.Validate(strings.ToLower(s.LogLevel), validation.In("silent", "error", "warn", "info")),
		"slow_query":        validation.Validate(s.SlowQuery, duration),
		"busy_timeout":      validation.Validate(s.BusyTimeout, duration),
		"retain_dispatches": validation.Validate(s.RetainDispatches, validation.Min(0)),
	}.Filter()
}

func validateScheduler(s SchedulerConfig) error {
	return validation.Errors{
		"timezone":     validation.Validate(s.Timezone, validation.By(timezone)),
		"fire_timeout": validation.Validate(s.FireTimeout, duration),
	}.Filter()
}

func validateDispatch(d DispatchConfig) error {
	retries := 0
	if d.MaxRetries != nil {
		retries = *d.MaxRetries
	}
	return validation.Errors{
		"country_code":         validation.Validate(d.CountryCode, validation.Required, validation.Match(countryCode)),
		"batch_size":           validation.Validate(d.BatchSize, validation.Min(1)),
		"batch_delay":          validation.Validate(d.BatchDelay, duration),
		"send_timeout":         validation.Validate(d.SendTimeout, duration),
		"max_retries":          validation.Validate(retries, validation.Min(0), validation.Max(10)),
		"retry_base":           validation.Validate(d.RetryBase, duration),
		"rate_per_sec":         validation.Validate(d.RatePerSec, validation.Min(0)),
		"breaker.open_timeout": validation.Validate(d.Breaker.OpenTimeout, duration),
	}.Filter()
}

func validateConnection(c ConnectionConfig) error {
	return validation.Errors{
		"max_attempts":     validation.Validate(c.MaxAttempts, validation.Min(1)),
		"base":             validation.Validate(c.Base, duration),
		"max_delay":        validation.Validate(c.MaxDelay, duration),
		"ready_timeout":    validation.Validate(c.ReadyTimeout, duration),
		"shutdown_timeout": validation.Validate(c.ShutdownTimeout, duration),
	}.Filter()
}

var duration = validation.By(func(v any) error {
	s, _ := v.(string)
	_, err := ParseDurationField("value", s)
	return err
})

func timezone(v any) error {
	s, _ := v.(string)
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown timezone %q", s)
	}
	return nil
}
