package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"planpal/internal/config"
	"planpal/internal/credential"
	"planpal/internal/dispatch"
	"planpal/internal/eventbus"
	"planpal/internal/generator"
	"planpal/internal/httpapi"
	"planpal/internal/notifier"
	"planpal/internal/plan"
	rtsup "planpal/internal/runtime/supervisor"
	"planpal/internal/storage"
	"planpal/internal/task/engine"
	"planpal/internal/task/scheduler"
	logx "planpal/pkg/logx"
)

// Options controls how much of the runtime NewApp builds.
type Options struct {
	ConfigPath string
	// LogLevel overrides logging.level (CLI one-shots print JSON on stdout).
	LogLevel string
	// HTTP builds the API server. Start serves it only when set.
	HTTP bool
	// KeyringDir overrides the encrypted-file keyring directory.
	KeyringDir string
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	creds  *credential.Store
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	disp   *dispatch.Dispatcher
	exec   *plan.Executor
	gen    *generator.Client
	http   *httpapi.Server
	sd     *sdNotifier
}

func NewApp(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg)
	if strings.TrimSpace(opts.LogLevel) != "" {
		logCfg.Level = opts.LogLevel
	}
	// The alert sender is the notifier, which does not exist yet.
	logSvc, log := logx.New(logCfg, nil)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var creds *credential.Store
	if needsKeyring(cfg) {
		creds, err = credential.Open(opts.KeyringDir)
		if err != nil {
			appLog.Warn("keyring unavailable; keyring-backed secrets are empty", logx.Err(err))
			creds = nil
		}
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	transport, err := buildTransport(cfg, creds, log.With(logx.String("comp", "transport")))
	if err != nil {
		return fail(err)
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notifSvc := notifier.New(ncfg, transport, log.With(logx.String("comp", "notifier")), bus)
	logSvc.SetAlertSender(notifSvc)

	disp := dispatch.New(store, notifSvc, cfg.Notifier.Recipients, log.With(logx.String("comp", "dispatch")), bus)

	schedCfg, err := mapSchedulerConfig(cfg, engCfg)
	if err != nil {
		return fail(err)
	}
	schedSvc := scheduler.New(schedCfg, store, engineSvc, disp.Run, log.With(logx.String("comp", "scheduler")), bus)

	gcfg, err := mapGeneratorConfig(cfg, creds)
	if err != nil {
		return fail(err)
	}
	gen := generator.New(gcfg, log.With(logx.String("comp", "generator")))

	loc, err := time.LoadLocation(cfg.Planner.Timezone)
	if err != nil {
		return fail(fmt.Errorf("planner.timezone: %w", err))
	}
	exec := plan.NewExecutor(plan.ExecutorOptions{
		Generator: gen,
		Validator: plan.NewValidator(loc),
		Deriver:   plan.NewDeriver(cfg.Planner.DemoMode, nil),
		Store:     store,
		Scheduler: schedSvc,
		Log:       log.With(logx.String("comp", "planner")),
		Bus:       bus,
	})

	a := &App{
		opts:   opts,
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		creds:  creds,
		engine: engineSvc,
		sched:  schedSvc,
		notif:  notifSvc,
		disp:   disp,
		exec:   exec,
		gen:    gen,
		sd:     newSDNotifier(log.With(logx.String("comp", "systemd"))),
	}

	if opts.HTTP {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return fail(err)
		}
		a.http = httpapi.New(hcfg, httpapi.Deps{
			Planner:    exec,
			Store:      store,
			Dispatcher: disp,
			Scheduler:  schedSvc,
			Status:     a.Status,
		}, log.With(logx.String("comp", "http")))
	}

	appLog.Info("app built",
		logx.String("storage", sc.Driver),
		logx.String("transport", notifSvc.TransportName()),
		logx.String("model", gen.Model()),
		logx.Bool("demo_mode", cfg.Planner.DemoMode),
	)
	return a, nil
}

func (a *App) Executor() *plan.Executor         { return a.exec }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Store() *storage.Store            { return a.store }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived services: task engine, scheduler, HTTP API,
// the audit subscriber and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if a.http != nil {
		a.http.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.audit", func(c context.Context) error {
		defer unsub()
		a.auditLoop(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready(a.sup, a.readyCheck)
	a.log.Info("app started", logx.Bool("http", a.http != nil))
	return nil
}

// readyCheck gates the systemd watchdog ping on a live database.
func (a *App) readyCheck(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// WaitHTTP blocks until the API listener is bound or ctx ends.
func (a *App) WaitHTTP(ctx context.Context) (string, error) {
	if a.http == nil {
		return "", errors.New("http server not configured")
	}
	select {
	case <-a.http.Ready():
		return a.http.Addr(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	if a.sup != nil {
		a.sup.Cancel()
	}

	// step bounds one shutdown phase so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	if a.http != nil {
		step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Uint64("alerts_dropped", a.logs.AlertsDropped()))
	return a.logs.Close()
}

// Close releases resources for CLI one-shots that never called Start.
func (a *App) Close() error {
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

func needsKeyring(cfg *config.Config) bool {
	if cfg.Generator.KeyringAPIKey && strings.TrimSpace(cfg.Generator.APIKey) == "" {
		return true
	}
	switch cfg.Notifier.Transport {
	case "smtp":
		return cfg.Notifier.SMTP.KeyringPassword && strings.TrimSpace(cfg.Notifier.SMTP.Password) == ""
	case "telegram":
		return cfg.Notifier.Telegram.KeyringToken && strings.TrimSpace(cfg.Notifier.Telegram.Token) == ""
	}
	return false
}
