package app

import (
	"time"

	"remindbot/internal/broadcast"
	"remindbot/internal/config"
	"remindbot/internal/connection"
	"remindbot/internal/httpapi"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/transport/whatsapp"
	logx "remindbot/pkg/logx"
)

// runtimeConfig is the parsed form of config.Config, one value per component.
type runtimeConfig struct {
	Logging    logx.Config
	Alert      telegram.Config
	WhatsApp   whatsapp.Config
	Storage    storage.Config
	Scheduler  scheduler.Config
	Dispatch   broadcast.Config
	Connection connection.Config
	HTTP       httpapi.Config
}

// mapRuntimeConfig converts duration strings and flattens sections. cfg is
// expected to have defaults applied.
func mapRuntimeConfig(cfg *config.Config) (runtimeConfig, error) {
	var (
		out runtimeConfig
		err error
	)

	out.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	out.Alert = telegram.Config{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Logging.Telegram.ThreadID,
	}
	out.WhatsApp = whatsapp.Config{
		Dialect:    cfg.WhatsApp.Dialect,
		DSN:        cfg.WhatsApp.DSN,
		DeviceName: cfg.WhatsApp.DeviceName,
		LogLevel:   cfg.WhatsApp.LogLevel,
	}

	sc := cfg.Storage
	out.Storage = storage.Config{
		Driver:           sc.Driver,
		DSN:              sc.DSN,
		LogLevel:         sc.LogLevel,
		RetainDispatches: sc.RetainDispatches,
	}
	if out.Storage.SlowQuery, err = config.ParseDurationOrDefault("storage.slow_query", sc.SlowQuery, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.Storage.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second); err != nil {
		return out, err
	}

	out.Scheduler = scheduler.Config{Timezone: cfg.Scheduler.Timezone}
	if out.Scheduler.FireTimeout, err = config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout); err != nil {
		return out, err
	}

	if out.Dispatch, err = mapDispatchConfig(cfg.Dispatch); err != nil {
		return out, err
	}
	if out.Connection, err = mapConnectionConfig(cfg.Connection); err != nil {
		return out, err
	}

	out.HTTP = httpapi.Config{
		Addr:        cfg.HTTP.Addr,
		Pprof:       cfg.HTTP.Pprof,
		Metrics:     cfg.HTTP.MetricsEnabled(),
		Environment: cfg.Environment.Name,
		Constrained: cfg.Environment.Constrained,
	}
	return out, nil
}

func mapDispatchConfig(d config.DispatchConfig) (broadcast.Config, error) {
	out := broadcast.Config{
		BatchSize:   d.BatchSize,
		CountryCode: d.CountryCode,
		RatePerSec:  d.RatePerSec,
		MaxRetries:  2,
		Breaker: broadcast.BreakerConfig{
			Enabled:             d.Breaker.Enabled,
			ConsecutiveFailures: d.Breaker.ConsecutiveFailures,
		},
	}
	if d.MaxRetries != nil {
		out.MaxRetries = *d.MaxRetries
	}
	var err error
	if out.BatchDelay, err = config.ParseDurationField("dispatch.batch_delay", d.BatchDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, time.Second); err != nil {
		return out, err
	}
	if out.Breaker.OpenTimeout, err = config.ParseDurationOrDefault("dispatch.breaker.open_timeout", d.Breaker.OpenTimeout, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapConnectionConfig(c config.ConnectionConfig) (connection.Config, error) {
	out := connection.Config{
		AutoReconnect: c.AutoReconnectEnabled(),
		MaxAttempts:   c.MaxAttempts,
	}
	var err error
	if out.Base, err = config.ParseDurationOrDefault("connection.base", c.Base, 5*time.Second); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("connection.max_delay", c.MaxDelay, 30*time.Second); err != nil {
		return out, err
	}
	if out.ReadyTimeout, err = config.ParseDurationOrDefault("connection.ready_timeout", c.ReadyTimeout, time.Minute); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("connection.shutdown_timeout", c.ShutdownTimeout, 5*time.Second); err != nil {
		return out, err
	}
	return out, nil
}
