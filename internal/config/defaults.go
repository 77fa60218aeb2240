package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr    = "127.0.0.1:8000"
	DefaultModel       = "gpt-4o-mini"
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultRecipient   = "you@demo.local"
	DefaultSQLitePath  = "./data/planpal.db"
	DefaultSweepEvery  = "@every 30s"
	DefaultMaxAttempts = 8
)

// Normalize fills defaults for omitted fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(c.HTTP.RequestTimeout) == "" {
		// Plan generation waits on the model; keep this generous.
		c.HTTP.RequestTimeout = "90s"
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite3" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "postgresql" || c.Storage.Driver == "pgx" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = DefaultSQLitePath
	}

	if strings.TrimSpace(c.Generator.Model) == "" {
		c.Generator.Model = DefaultModel
	}
	if strings.TrimSpace(c.Generator.BaseURL) == "" {
		c.Generator.BaseURL = DefaultBaseURL
	}

	c.Notifier.Transport = strings.ToLower(strings.TrimSpace(c.Notifier.Transport))
	if c.Notifier.Transport == "" {
		c.Notifier.Transport = "log"
	}
	if len(c.Notifier.Recipients) == 0 {
		c.Notifier.Recipients = []string{DefaultRecipient}
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 5
	}
	if strings.TrimSpace(c.Notifier.SMTP.Port) == "" {
		c.Notifier.SMTP.Port = "587"
	}

	if strings.TrimSpace(c.Scheduler.SweepEvery) == "" {
		c.Scheduler.SweepEvery = DefaultSweepEvery
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = DefaultMaxAttempts
	}
	if strings.TrimSpace(c.Planner.Timezone) == "" {
		c.Planner.Timezone = "UTC"
	}
}

// Validate checks values Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch c.Notifier.Transport {
	case "log":
	case "smtp":
		if strings.TrimSpace(c.Notifier.SMTP.Host) == "" {
			errs = append(errs, errors.New("notifier.smtp.host is required for smtp transport"))
		}
	case "telegram":
		if c.Notifier.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.chat_id is required for telegram transport"))
		}
		if strings.TrimSpace(c.Notifier.Telegram.Token) == "" && !c.Notifier.Telegram.KeyringToken {
			errs = append(errs, errors.New("notifier.telegram.token is required unless keyring_token is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifier.transport: unknown transport %q", c.Notifier.Transport))
	}

	if _, err := time.LoadLocation(c.Planner.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("planner.timezone: %w", err))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	durations := map[string]string{
		"http.read_timeout":               c.HTTP.ReadTimeout,
		"http.write_timeout":              c.HTTP.WriteTimeout,
		"http.idle_timeout":               c.HTTP.IdleTimeout,
		"http.request_timeout":            c.HTTP.RequestTimeout,
		"storage.busy_timeout":            c.Storage.BusyTimeout,
		"generator.timeout":               c.Generator.Timeout,
		"notifier.send_timeout":           c.Notifier.SendTimeout,
		"task_engine.default_timeout":     c.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay":     c.TaskEngine.MaxQueueDelay,
		"task_engine.retry_base":          c.TaskEngine.RetryBase,
		"task_engine.retry_max_delay":     c.TaskEngine.RetryMaxDelay,
		"task_engine.circuit_base_delay":  c.TaskEngine.CircuitBaseDelay,
		"task_engine.circuit_max_delay":   c.TaskEngine.CircuitMaxDelay,
		"scheduler.retry_base":            c.Scheduler.RetryBase,
		"scheduler.retry_max_delay":       c.Scheduler.RetryMaxDelay,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Redacted returns a copy safe for logging and /api/status output.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Generator.APIKey = mask(c.Generator.APIKey)
	c.Notifier.SMTP.Password = mask(c.Notifier.SMTP.Password)
	c.Notifier.Telegram.Token = mask(c.Notifier.Telegram.Token)
	c.Pprof.Token = mask(c.Pprof.Token)
	c.Notifier.Recipients = append([]string(nil), c.Notifier.Recipients...)
	c.HTTP.CORSOrigins = append([]string(nil), c.HTTP.CORSOrigins...)
	return c
}
