package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides are the environment variables honored on top of the file.
// Empty values leave the file value untouched, so numbers are read as
// strings and parsed here.
type envOverrides struct {
	CountryCode string `envconfig:"COUNTRY_CODE"`
	Timezone    string `envconfig:"TIMEZONE"`

	BatchSize   string `envconfig:"BATCH_SIZE"`
	BatchDelay  string `envconfig:"BATCH_DELAY"`
	SendTimeout string `envconfig:"SEND_TIMEOUT"`
	MaxRetries  string `envconfig:"MAX_RETRIES"`
	RetryBase   string `envconfig:"RETRY_BASE"`

	MaxReconnectAttempts string `envconfig:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectBase        string `envconfig:"RECONNECT_BASE"`
	ReconnectMax         string `envconfig:"RECONNECT_MAX"`

	HTTPAddr string `envconfig:"HTTP_ADDR"`
	Port     string `envconfig:"PORT"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	WhatsAppDSN   string `envconfig:"WHATSAPP_STORE_DSN"`

	LogLevel       string `envconfig:"LOG_LEVEL"`
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID string `envconfig:"TELEGRAM_CHAT_ID"`

	AppEnv         string `envconfig:"APP_ENV"`
	LambdaFunction string `envconfig:"AWS_LAMBDA_FUNCTION_NAME"`
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) error {
	var e envOverrides
	if err := envconfig.Process("", &e); err != nil {
		return err
	}

	setString(&cfg.Dispatch.CountryCode, e.CountryCode)
	setString(&cfg.Scheduler.Timezone, e.Timezone)
	if err := setInt(&cfg.Dispatch.BatchSize, "BATCH_SIZE", e.BatchSize); err != nil {
		return err
	}
	setString(&cfg.Dispatch.BatchDelay, e.BatchDelay)
	setString(&cfg.Dispatch.SendTimeout, e.SendTimeout)
	if strings.TrimSpace(e.MaxRetries) != "" {
		var n int
		if err := setInt(&n, "MAX_RETRIES", e.MaxRetries); err != nil {
			return err
		}
		cfg.Dispatch.MaxRetries = &n
	}
	setString(&cfg.Dispatch.RetryBase, e.RetryBase)

	if err := setInt(&cfg.Connection.MaxAttempts, "MAX_RECONNECT_ATTEMPTS", e.MaxReconnectAttempts); err != nil {
		return err
	}
	setString(&cfg.Connection.Base, e.ReconnectBase)
	setString(&cfg.Connection.MaxDelay, e.ReconnectMax)

	setString(&cfg.HTTP.Addr, e.HTTPAddr)
	if strings.TrimSpace(e.HTTPAddr) == "" && strings.TrimSpace(e.Port) != "" {
		cfg.HTTP.Addr = ":" + strings.TrimSpace(e.Port)
	}

	setString(&cfg.Storage.Driver, e.StorageDriver)
	setString(&cfg.Storage.DSN, e.StorageDSN)
	setString(&cfg.WhatsApp.DSN, e.WhatsAppDSN)

	setString(&cfg.Logging.Level, e.LogLevel)
	setString(&cfg.Telegram.Token, e.TelegramToken)
	if s := strings.TrimSpace(e.TelegramChatID); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	setString(&cfg.Environment.Name, e.AppEnv)
	if strings.TrimSpace(e.LambdaFunction) != "" {
		cfg.Environment.Constrained = true
	}
	return nil
}

// setInt parses a non-negative integer; empty leaves dst unchanged.
func setInt(dst *int, key, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("%s: must be a non-negative integer", key)
	}
	*dst = n
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
