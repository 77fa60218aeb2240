package app

import (
	"fmt"
	"strings"
	"time"

	"planpal/internal/config"
	"planpal/internal/credential"
	"planpal/internal/generator"
	"planpal/internal/httpapi"
	"planpal/internal/notifier"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	"planpal/internal/task/scheduler"
	logx "planpal/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}

	out := engine.Config{
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	if out.Workers == 0 {
		out.Workers = 2
	}
	if out.QueueSize == 0 {
		out.QueueSize = 256
	}
	if out.RetryMax == 0 {
		out.RetryMax = 2
	}

	var err error
	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"task_engine.default_timeout", te.DefaultTimeout, 30 * time.Second, &out.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay, 0, &out.MaxQueueDelay},
		{"task_engine.retry_base", te.RetryBase, 2 * time.Second, &out.RetryBase},
		{"task_engine.retry_max_delay", te.RetryMaxDelay, 30 * time.Second, &out.RetryMaxDelay},
		{"task_engine.circuit_base_delay", te.CircuitBaseDelay, 10 * time.Second, &out.CircuitBaseDelay},
		{"task_engine.circuit_max_delay", te.CircuitMaxDelay, 5 * time.Minute, &out.CircuitMaxDelay},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.path, d.raw, d.def); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

// mapSchedulerConfig bounds one dispatch attempt by the engine's task timeout.
func mapSchedulerConfig(cfg *config.Config, eng engine.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	base, err := config.ParseDurationOrDefault("scheduler.retry_base", sc.RetryBase, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("scheduler.retry_max_delay", sc.RetryMaxDelay, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := sc.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = cfg.Planner.Timezone
	}
	return scheduler.Config{
		Timezone:        tz,
		SweepEvery:      sc.SweepEvery,
		MaxAttempts:     sc.MaxAttempts,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DispatchTimeout: eng.DefaultTimeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if nc.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:       nc.RatePerSec,
		SendTimeout:      timeout,
		HistorySize:      nc.HistorySize,
		AlertRecipients:  append([]string(nil), nc.Recipients...),
		AlertDedupWindow: 10 * time.Minute,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Addr:         hc.Addr,
		CORSOrigins:  append([]string(nil), hc.CORSOrigins...),
		PprofEnabled: cfg.Pprof.Enabled,
		PprofToken:   cfg.Pprof.Token,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// Plan generation can run for a minute; the write deadline must cover it.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 120*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.RequestTimeout, err = config.ParseDurationOrDefault("http.request_timeout", hc.RequestTimeout, 90*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapGeneratorConfig(cfg *config.Config, creds *credential.Store) (generator.Config, error) {
	gc := cfg.Generator
	timeout, err := config.ParseDurationOrDefault("generator.timeout", gc.Timeout, generator.DefaultTimeout)
	if err != nil {
		return generator.Config{}, err
	}
	key := gc.APIKey
	if gc.KeyringAPIKey {
		if key, err = creds.Resolve(gc.APIKey, credential.KeyOpenAIAPIKey); err != nil {
			return generator.Config{}, err
		}
	}
	loc, err := time.LoadLocation(cfg.Planner.Timezone)
	if err != nil {
		return generator.Config{}, fmt.Errorf("planner.timezone: %w", err)
	}
	return generator.Config{
		BaseURL:  gc.BaseURL,
		APIKey:   key,
		Model:    gc.Model,
		Timeout:  timeout,
		Location: loc,
	}, nil
}
