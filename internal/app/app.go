// Package app wires the reminder service together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"remindbot/internal/activity"
	"remindbot/internal/broadcast"
	"remindbot/internal/config"
	"remindbot/internal/connection"
	"remindbot/internal/eventbus"
	"remindbot/internal/httpapi"
	"remindbot/internal/observability"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/transport/whatsapp"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	activity *activity.Tracker

	metrics  *observability.Metrics
	registry *prometheus.Registry

	store    *storage.Store
	wa       *whatsapp.Adapter
	dispatch *broadcast.Service
	jobs     *scheduler.Registry
	conn     *connection.Supervisor
	http     *httpapi.Server
}

// readyFunc adapts a closure to broadcast.ReadyChecker.
type readyFunc func() bool

func (f readyFunc) IsReady() bool { return f() }

// New loads configuration and builds every component. Nothing is started.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rc, err := mapRuntimeConfig(cfg)
	if err != nil {
		return nil, err
	}

	var sender logx.Sender
	if rc.Logging.Alert.Enabled {
		alerter, err := telegram.New(rc.Alert)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		sender = alerter
	}
	logSvc, log := logx.New(rc.Logging, sender)
	log = log.With(logx.String("comp", "app"))
	root := logSvc.Logger()

	bus := eventbus.New()

	metrics := observability.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}

	store, err := storage.Open(rc.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	wa := whatsapp.New(rc.WhatsApp, root.With(logx.String("comp", "whatsapp")))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		activity: activity.New(),
		metrics:  metrics,
		registry: reg,
		store:    store,
		wa:       wa,
	}

	a.dispatch = broadcast.New(rc.Dispatch, broadcast.Deps{
		Ready:      readyFunc(func() bool { return a.conn != nil && a.conn.IsReady() }),
		Recipients: store,
		Transport:  wa,
		Recorder:   store,
		Bus:        bus,
		Metrics:    metrics,
	}, root.With(logx.String("comp", "dispatch")))

	a.jobs = scheduler.New(rc.Scheduler, a.dispatch, root.With(logx.String("comp", "jobs")),
		scheduler.WithBus(bus), scheduler.WithMetrics(metrics))

	a.conn = connection.New(rc.Connection, wa, store, a.jobs, root.With(logx.String("comp", "connection")),
		connection.WithBus(bus), connection.WithMetrics(metrics))

	a.http = httpapi.New(rc.HTTP, httpapi.Deps{
		Store:      store,
		Jobs:       a.jobs,
		Dispatcher: a.dispatch,
		Connection: a.conn,
		Session:    wa,
		Activity:   a.activity,
		Metrics:    metrics,
		Gatherer:   reg,
		Go:         a.goTracked,
	}, root.With(logx.String("comp", "http")))

	if cfg.Environment.Constrained {
		log.Info("constrained environment: auto reconnect disabled",
			logx.Int("batch_size", rc.Dispatch.BatchSize),
			logx.Duration("batch_delay", rc.Dispatch.BatchDelay),
		)
	}
	return a, nil
}

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

// Start connects the transport and launches the supervised loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapRuntimeConfig(cfg)
		return err
	})

	a.sup.Go0("activity.follow", a.activity.Follow(a.bus))
	a.jobs.Start(a.sup.Context())
	if err := a.conn.Initialize(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("connection.run", a.conn.Run)
	a.sup.Go("http.serve", a.http.Serve)
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

// SendOnce connects, waits up to wait for readiness, delivers one message
// and returns the canonical address. It does not start the job registry or
// the HTTP server.
func (a *App) SendOnce(ctx context.Context, to, text string, wait time.Duration) (string, error) {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if err := a.conn.Initialize(a.sup.Context()); err != nil {
		return "", err
	}
	a.sup.Go("connection.run", a.conn.Run)

	wctx, cancel := context.WithTimeout(a.sup.Context(), wait)
	err := a.conn.WaitReady(wctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if qr := a.conn.QR(); qr != "" {
				return "", fmt.Errorf("device not paired; run serve and scan the QR code first")
			}
			return "", fmt.Errorf("transport not ready after %s", wait)
		}
		return "", err
	}
	return a.dispatch.SendOne(a.sup.Context(), to, text)
}

// goTracked runs request-spawned work under the app supervisor so Stop
// waits for it.
func (a *App) goTracked(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		a.log.Warn("work dropped before start", logx.String("name", name))
		return
	}
	a.sup.Go0(name, fn)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// reloadLoop applies hot-reloadable sections and reports the rest.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains queued configs so bursts apply once.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	rc, err := mapRuntimeConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(rc.Logging)
	a.jobs.Apply(rc.Scheduler)
	a.dispatch.Apply(rc.Dispatch)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.Strings("sections", restart))
	}
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "http", 3*time.Second, a.http.Shutdown)
	// Jobs are cleared before the transport goes away so nothing fires mid-teardown.
	a.step(ctx, "jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "connection", 5*time.Second, a.conn.Shutdown)
	a.step(ctx, "transport", 5*time.Second, a.wa.Close)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		took := time.Since(start)
		lvl := logx.LevelDebug
		if took >= 500*time.Millisecond {
			lvl = logx.LevelInfo
		}
		a.log.Log(lvl, "stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		// Observe when/if the step eventually finishes.
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}
