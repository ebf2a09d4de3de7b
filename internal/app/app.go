package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	natsin "pushbridge/internal/adapters/nats"
	"pushbridge/internal/adapters/telegram"
	"pushbridge/internal/config"
	"pushbridge/internal/eventbus"
	"pushbridge/internal/metrics"
	"pushbridge/internal/push/dispatch"
	"pushbridge/internal/push/queue"
	"pushbridge/internal/push/registry"
	"pushbridge/internal/push/trigger"
	"pushbridge/internal/runtime/supervisor"
	"pushbridge/internal/services/scheduler"
	"pushbridge/internal/statestore"
	"pushbridge/internal/statestore/paths"
	"pushbridge/internal/transport/httpapi"
	"pushbridge/internal/transport/ws"
	logx "pushbridge/pkg/logx"
)

const (
	jobQueuePrune   = "queue.prune"
	jobStoreCompact = "store.compact"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	m    *metrics.Metrics

	ns    paths.Namespace
	store *statestore.Store

	reg   *registry.Registry
	queue *queue.Queue
	disp  *dispatch.Dispatcher
	trig  *trigger.Trigger
	sched *scheduler.Service

	auth *ws.Authenticator
	ws   *ws.Server
	http *httpapi.Server
	nats *natsin.Ingress

	queueAge  atomic.Int64 // time.Duration
	startedAt time.Time
}

func NewApp(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The Telegram sender is only built when alerts are on; an unset sender
	// leaves the sink idle.
	var sender logx.Sender
	if cfg.Logging.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	logSvc, log := logx.New(config.MapLogging(cfg), sender)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ns := paths.Namespace(config.Namespace(cfg))

	sc, err := config.MapStore(cfg)
	if err != nil {
		return nil, err
	}
	srvCfg, err := config.MapServer(cfg)
	if err != nil {
		return nil, err
	}
	qCfg, err := config.MapQueue(cfg)
	if err != nil {
		return nil, err
	}
	tagReset, err := config.MapTagReset(cfg)
	if err != nil {
		return nil, err
	}

	store, err := statestore.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	log.Info("state store opened", logx.String("driver", orDefault(sc.Driver, "memory")), logx.String("namespace", string(ns)))

	defer closeOnError(&err, store, log, "store")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	bus := eventbus.New()

	reg := registry.New(ns, store, log)
	q := queue.New(queue.Config{MaxPerClient: qCfg.MaxPerClient}, log)
	disp := dispatch.New(dispatch.Deps{
		Namespace: ns,
		Store:     store,
		Registry:  reg,
		Queue:     q,
		Bus:       bus,
		Metrics:   m,
		Log:       log,
	})
	trig := trigger.New(trigger.Deps{
		Namespace:  ns,
		Store:      store,
		Dispatcher: disp,
		Metrics:    m,
		Log:        log,
	})
	store.Observe(trig.Observe)

	sched := scheduler.New(scheduler.Config{}, log.With(logx.String("comp", "scheduler")))
	auth := ws.NewAuthenticator(ws.Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password})
	wsSrv := ws.New(ws.Deps{
		Namespace:  ns,
		Store:      store,
		Dispatcher: disp,
		Scheduler:  sched,
		Auth:       auth,
		Metrics:    m,
		Log:        log,
	}, wsSettings(srvCfg, tagReset))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		m:       m,
		ns:      ns,
		store:   store,
		reg:     reg,
		queue:   q,
		disp:    disp,
		trig:    trig,
		sched:   sched,
		auth:    auth,
		ws:      wsSrv,
	}
	a.queueAge.Store(int64(qCfg.MaxAge))

	a.http = httpapi.New(httpapi.Config{
		Addr:           srvCfg.Addr,
		WSPath:         srvCfg.WSPath,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    orDefault(cfg.Metrics.Path, config.DefaultMetricsPath),
		AllowedOrigins: srvCfg.AllowedOrigins,
		Pprof:          cfg.Server.Pprof,
	}, httpapi.Deps{WS: wsSrv, Metrics: m, Health: a.health, Log: log})

	if cfg.NATS.Enabled {
		a.nats = natsin.New(natsin.Config{
			URL:     cfg.NATS.URL,
			Subject: orDefault(cfg.NATS.Subject, config.DefaultNATSSubject),
			Name:    cfg.NATS.Name,
		}, ns, store, log)
	}

	m.Gauge("queue_depth", "Messages waiting for offline clients.", func() float64 { return float64(q.Depth()) })
	m.Gauge("registry_connections", "Registered client identifiers.", func() float64 { return float64(reg.Len()) })
	m.Gauge("trigger_pending", "State signals waiting for the trigger loop.", func() float64 { return float64(trig.Pending()) })

	if err = a.scheduleJobs(cfg, qCfg); err != nil {
		return nil, err
	}
	return a, nil
}

// closeOnError releases c when NewApp fails after c was opened.
func closeOnError(errp *error, c io.Closer, log logx.Logger, what string) {
	if *errp == nil {
		return
	}
	if cerr := c.Close(); cerr != nil {
		log.Warn("close after failed startup", logx.String("what", what), logx.Err(cerr))
	}
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.sched.Start(a.sup.Context())
	if err := a.http.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		a.sched.Stop(context.Background())
		return fmt.Errorf("http listen: %w", err)
	}

	a.sup.Go("trigger", a.trig.Run)

	if a.nats != nil {
		a.sup.GoRestart("nats.ingress", a.nats.Run, supervisor.Backoff{Min: time.Second, Max: 30 * time.Second})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Keep only the latest config of a burst.
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break coalesce
					}
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("addr", a.http.Addr()), logx.Bool("nats", a.nats != nil), logx.Bool("metrics", a.m != nil))
	return nil
}

// applyConfig pushes the hot-reloadable sections into running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if r := config.RestartRequired(sections); len(r) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", r))
	}

	a.logs.Apply(config.MapLogging(next))
	a.auth.Set(ws.Credentials{Username: next.Auth.Username, Password: next.Auth.Password})

	srvCfg, err := config.MapServer(next)
	if err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		tagReset, err := config.MapTagReset(next)
		if err != nil {
			a.log.Warn("invalid tags config; keeping previous", logx.Err(err))
		} else {
			a.ws.Apply(wsSettings(srvCfg, tagReset))
		}
		if strings.TrimSpace(prev.Server.Addr) != strings.TrimSpace(next.Server.Addr) || prev.Server.WSPath != next.Server.WSPath {
			a.log.Warn("server.addr / server.ws_path changed; restart required")
		}
	}

	qCfg, err := config.MapQueue(next)
	if err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
		return
	}
	a.queue.Apply(queue.Config{MaxPerClient: qCfg.MaxPerClient})
	a.queueAge.Store(int64(qCfg.MaxAge))
	if err := a.scheduleJobs(next, qCfg); err != nil {
		a.log.Warn("reschedule failed", logx.Err(err))
	}
}

// scheduleJobs upserts the recurring maintenance jobs.
func (a *App) scheduleJobs(cfg *config.Config, qCfg config.Queue) error {
	err := a.sched.AddCron(jobQueuePrune, qCfg.PruneSchedule, 10*time.Second, func(context.Context) error {
		age := time.Duration(a.queueAge.Load())
		if age <= 0 {
			return nil
		}
		if n := a.queue.Prune(age); n > 0 {
			a.log.Info("queue pruned", logx.Int("dropped", n), logx.Duration("max_age", age))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Store.CompactSchedule); spec != "" {
		return a.sched.AddCron(jobStoreCompact, spec, 30*time.Second, a.store.Compact)
	}
	a.sched.RemoveCron(jobStoreCompact)
	return nil
}

func (a *App) health() httpapi.Snapshot {
	snap := httpapi.Snapshot{
		Status:         "ok",
		Namespace:      string(a.ns),
		Sessions:       a.ws.Sessions(),
		Connections:    a.reg.Len(),
		QueueDepth:     a.queue.Depth(),
		QueuedClients:  len(a.queue.Clients()),
		TriggerPending: a.trig.Pending(),
		Extra: map[string]any{
			"scheduled": len(a.sched.Pending()),
		},
	}
	if !a.startedAt.IsZero() {
		snap.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		snap.Extra["loops"] = a.sup.Status()
		if err := a.sup.Err(); err != nil {
			snap.Status = "degraded"
			snap.Extra["error"] = err.Error()
		}
	}
	if a.nats != nil {
		snap.Extra["nats_connected"] = a.nats.Connected()
	}
	return snap
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Listener first so no new sessions arrive, then close sessions; their
	// disconnects still write connection=false to the store.
	step("http", 2*time.Second, a.http.Stop)
	step("ws", 3*time.Second, a.ws.Shutdown)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("trigger.drain", 2*time.Second, func(c context.Context) error {
		if n := a.trig.Drain(c); n > 0 {
			a.log.Info("trigger drained", logx.Int("signals", n))
		}
		return nil
	})
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	if n := a.queue.Depth(); n > 0 {
		a.log.Warn("undelivered messages discarded", logx.Int("messages", n), logx.Int("clients", len(a.queue.Clients())))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
