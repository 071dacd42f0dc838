package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pacebot/internal/bot"
	"pacebot/internal/config"
	"pacebot/internal/engine"
	"pacebot/internal/eventbus"
	"pacebot/internal/history"
	"pacebot/internal/history/postgres"
	"pacebot/internal/httpapi"
	"pacebot/internal/maintenance"
	"pacebot/internal/roomcache"
	rtsup "pacebot/internal/runtime/supervisor"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	"pacebot/internal/transport/telegram"
	logx "pacebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	mu  sync.Mutex
	sup *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Tail

	client  transport.Client
	store   storage.Store
	history history.Repo
	cache   roomcache.Cache

	engine *engine.Service
	bot    *bot.Service
	maint  *maintenance.Service
	http   *httpapi.Server
	sd     *sdNotifier

	closers []func() error
}

type Option func(*options)

type options struct {
	client transport.Client
}

// WithClient replaces the Telegram client, mainly for tests.
func WithClient(c transport.Client) Option {
	return func(o *options) { o.client = c }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.NewService(mapLogging(cfg), bus)

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		bus:    bus,
		events: eventbus.NewTail(bus, 32, eventbus.TypeClientState, eventbus.TypeForwardProgress, eventbus.TypeForwardDone, eventbus.TypeConfigReloaded, eventbus.TypeDispatchDrained),
		sd:     newSDNotifier(cfg.Systemd.Notify, log.With(logx.String("comp", "systemd"))),
	}
	fail := func(err error) (*App, error) {
		a.closeAll()
		return nil, err
	}

	a.client = o.client
	if a.client == nil {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return fail(err)
		}
		c, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		a.client = c
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		a.store = st
		a.closers = append(a.closers, st.Close)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hs, err := mapHistory(cfg)
	if err != nil {
		return fail(err)
	}
	switch hs.Driver {
	case "none":
		a.history = history.Nop{}
	case "postgres":
		db, err := postgres.InitDB(hs.DSN, nil)
		if err != nil {
			return fail(err)
		}
		repo := postgres.NewHistoryRepo(db)
		a.history = repo
		a.closers = append(a.closers, repo.Close)
	default:
		a.history = history.NewMemory(hs.MaxRecords)
	}
	a.log.Info("history enabled", logx.String("driver", hs.Driver))

	cs, err := mapCache(cfg)
	if err != nil {
		return fail(err)
	}
	if cs.RedisAddr != "" {
		rc, err := roomcache.NewRedis(context.Background(), cs.RedisAddr, cs.TTL)
		if err != nil {
			return fail(fmt.Errorf("room cache: %w", err))
		}
		a.cache = rc
	} else {
		a.cache = roomcache.NewMemory(cs.TTL)
	}
	a.closers = append(a.closers, a.cache.Close)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(engCfg, a.client, log.With(logx.String("comp", "engine")), bus,
		engine.WithHistory(a.history))

	a.bot = bot.New(a.client, a.engine, a.store, log.With(logx.String("comp", "bot")), bus,
		bot.WithCache(a.cache))

	mcfg, err := mapMaintenance(cfg)
	if err != nil {
		return fail(err)
	}
	a.maint = maintenance.New(mcfg, a.bot, a.history, log.With(logx.String("comp", "maintenance")))

	a.http = httpapi.New(a.bot, log.With(logx.String("comp", "http")),
		httpapi.WithStatus(a.status), httpapi.WithEvents(bus))

	return a, nil
}

// Bot exposes the bot service.
func (a *App) Bot() *bot.Service { return a.bot }

// HTTPAddr is the bound address of the HTTP API, empty when disabled.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	sup := a.supervisor()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if sup := a.supervisor(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sup := a.sup
	a.mu.Unlock()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()
	runCtx := sup.Context()

	a.engine.Start(runCtx)
	a.bot.Start(runCtx)
	a.maint.Start(runCtx)
	a.http.Apply(runCtx, mapHTTP(cfg))

	if !cfg.HTTP.Enabled {
		// Nothing else can bring the client online.
		if _, err := a.bot.Online(runCtx); err != nil {
			return fmt.Errorf("client start: %w", err)
		}
	}

	sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	if cfg.Systemd.Watchdog {
		if iv := watchdogInterval(); iv > 0 {
			sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.runWatchdog(c, iv) })
		} else {
			a.log.Warn("systemd.watchdog enabled but WATCHDOG_USEC is not set")
		}
	}
	a.sd.Ready()
	a.log.Info("started", logx.String("config", a.cfgm.Path()), logx.String("http", a.http.Addr()))
	return nil
}

// reloadLoop applies hot-reloadable sections of every published config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	// The validator already ran every mapping, so errors here are unexpected.
	a.logs.Apply(mapLogging(newCfg))
	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}
	if mcfg, err := mapMaintenance(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(mcfg)
	}
	a.http.Apply(ctx, mapHTTP(newCfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config applied", logx.Strings("changed", sections))
}

type statusView struct {
	Engine      engine.Snapshot                  `json:"engine"`
	Maintenance map[string]maintenance.JobStatus `json:"maintenance"`
	Events      []eventbus.Event                 `json:"events"`
	Supervisor  *rtsup.Snapshot                  `json:"supervisor,omitempty"`
}

func (a *App) status() any {
	v := statusView{
		Engine:      a.engine.Snapshot(),
		Maintenance: a.maint.Snapshot(),
	}
	if a.events != nil {
		v.Events = a.events.Snapshot()
	}
	if sup := a.supervisor(); sup != nil {
		ss := sup.Snapshot()
		v.Supervisor = &ss
	}
	return v
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		a.closeAll()
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("bot", 3*time.Second, func(c context.Context) error { a.bot.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.closeAll()
	return nil
}

func (a *App) closeAll() {
	a.closeResources()
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// closeResources releases stores and caches in reverse open order. Safe to call twice.
func (a *App) closeResources() {
	if a.events != nil {
		a.events.Close()
		a.events = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", logx.Err(err))
		}
	}
	a.closers = nil
}
