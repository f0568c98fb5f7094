package config

// Config is the on-disk configuration. Every section may be omitted; defaults
// are filled by ApplyDefaults after environment overrides.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Telegram    TelegramConfig    `json:"telegram"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Connection  ConnectionConfig  `json:"connection"`
	HTTP        HTTPConfig        `json:"http"`
	Environment EnvironmentConfig `json:"environment"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	// Telegram forwards warnings and errors to the telegram section's chat.
	Telegram struct {
		Enabled    bool    `json:"enabled"`
		MinLevel   string  `json:"min_level"`
		RatePerSec float64 `json:"rate_per_sec"`
		ThreadID   int     `json:"thread_id"`
	} `json:"telegram"`
}

// TelegramConfig is the operator alert chat. It is never used for reminders.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type WhatsAppConfig struct {
	// Dialect is "sqlite3" or "postgres".
	Dialect    string `json:"dialect"`
	DSN        string `json:"dsn"`
	DeviceName string `json:"device_name"`
	LogLevel   string `json:"log_level"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver           string `json:"driver"`
	DSN              string `json:"dsn"`
	LogLevel         string `json:"log_level"`
	SlowQuery        string `json:"slow_query"`
	BusyTimeout      string `json:"busy_timeout"`
	RetainDispatches int    `json:"retain_dispatches"`
}

// SchedulerConfig controls the job registry.
//
// Defaults:
//   - timezone: "Asia/Manila"
//   - fire_timeout: "0s" (unbounded)
type SchedulerConfig struct {
	Timezone    string `json:"timezone"`
	FireTimeout string `json:"fire_timeout"`
}

// DispatchConfig tunes broadcast delivery.
//
// MaxRetries is a pointer so an explicit 0 (single attempt) differs from
// "omitted" (default 2).
type DispatchConfig struct {
	CountryCode string        `json:"country_code"`
	BatchSize   int           `json:"batch_size"`
	BatchDelay  string        `json:"batch_delay"`
	SendTimeout string        `json:"send_timeout"`
	MaxRetries  *int          `json:"max_retries,omitempty"`
	RetryBase   string        `json:"retry_base"`
	RatePerSec  int           `json:"rate_per_sec"`
	Breaker     BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	Enabled             bool   `json:"enabled"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenTimeout         string `json:"open_timeout"`
}

// ConnectionConfig controls the connection supervisor.
//
// AutoReconnect defaults to true and is forced off in constrained environments.
type ConnectionConfig struct {
	AutoReconnect   *bool  `json:"auto_reconnect,omitempty"`
	MaxAttempts     int    `json:"max_attempts"`
	Base            string `json:"base"`
	MaxDelay        string `json:"max_delay"`
	ReadyTimeout    string `json:"ready_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
	// Pprof mounts /debug/pprof on the API listener.
	Pprof bool `json:"pprof"`
	// Metrics defaults to true.
	Metrics *bool `json:"metrics,omitempty"`
}

type EnvironmentConfig struct {
	Name string `json:"name"`
	// Constrained marks a short-lived serverless host: smaller batches, longer
	// pauses and no automatic reconnects.
	Constrained bool `json:"constrained"`
}

// AutoReconnectEnabled reports the effective auto_reconnect value.
func (c ConnectionConfig) AutoReconnectEnabled() bool {
	return c.AutoReconnect == nil || *c.AutoReconnect
}

func (c HTTPConfig) MetricsEnabled() bool {
	return c.Metrics == nil || *c.Metrics
}
