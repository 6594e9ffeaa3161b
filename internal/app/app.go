package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notibridge/internal/asset"
	"notibridge/internal/config"
	"notibridge/internal/eventbus"
	"notibridge/internal/httpapi"
	"notibridge/internal/metrics"
	"notibridge/internal/notification"
	"notibridge/internal/observability/pprof"
	"notibridge/internal/platform/spool"
	"notibridge/internal/publish"
	"notibridge/internal/reply"
	rtsup "notibridge/internal/runtime/supervisor"
	"notibridge/internal/schedule"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	src      *spool.Source
	assets   *asset.Extractor
	cache    reply.Cache
	norm     *notification.Normalizer
	snapshot *notification.Snapshot
	listener *notification.Listener

	disp    *publish.Dispatcher
	mqtt    *publish.MQTTSink
	metrics *metrics.Bridge
	resync  *schedule.Resync
	http    *httpapi.Server

	started time.Time
}

func NewApp(cfgPath string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	a = &App{cfgPath: cfgPath, cfgm: cfgm, logs: logs, log: log, bus: eventbus.New()}

	// unwind whatever was opened if a later step fails
	var closers []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = logs.Close()
	}()

	sc, storageEnabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if storageEnabled {
		a.store, err = storage.Open(sc, log.With(logx.Comp("storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		st := a.store
		closers = append(closers, func() { _ = st.Close() })
	}

	spc, err := mapSpoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.src, err = spool.Open(spc, log.With(logx.Comp("spool")))
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	ttl, err := mapIconCacheTTL(cfg)
	if err != nil {
		return nil, err
	}
	a.assets = asset.New(a.src, log.With(logx.Comp("asset")), asset.WithIconCache(ttl))
	a.cache = reply.NewCache(cfg.Cache.MaxEntries)
	a.norm = notification.NewNormalizer(a.assets, a.cache, a.src.SDKVersion(), log.With(logx.Comp("normalizer")))
	a.snapshot = notification.NewSnapshot(a.src, a.norm, log.With(logx.Comp("snapshot")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics, err = metrics.New(reg, metrics.Sources{
		Dispatcher:  func() publish.Stats { return a.disp.Stats() },
		CacheLen:    a.cache.Len,
		CachedIcons: a.assets.CachedIcons,
		Bus:         a.bus,
	})
	if err != nil {
		return nil, err
	}

	sinks := publish.Multi{publish.BusSink{Bus: a.bus}, a.metrics}
	if cfg.Publisher.Archive && a.store != nil {
		sinks = append(sinks, publish.StoreSink{Store: a.store, KeepImages: cfg.Publisher.KeepImages})
	}
	if tc, ok := mapTelegramConfig(cfg); ok {
		tg, err := publish.NewTelegramSink(tc)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	if mc, ok := mapMQTTConfig(cfg); ok {
		a.mqtt, err = publish.NewMQTTSink(mc, log.With(logx.Comp("mqtt")))
		if err != nil {
			return nil, err
		}
		closers = append(closers, a.mqtt.Close)
	}
	if a.mqtt != nil {
		sinks = append(sinks, a.mqtt)
	}

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = publish.NewDispatcher(dc, sinks, a.bus, log.With(logx.Comp("publish")))
	a.listener = notification.NewListener(a.norm, a.disp, log.With(logx.Comp("listener")))
	a.resync = schedule.NewResync(mapResyncConfig(cfg), a.snapshot, a.disp, a.bus, log.With(logx.Comp("resync")))

	if cfg.HTTP.Enabled {
		deps := httpapi.Deps{
			Snapshot: a.snapshot,
			Cache:    a.cache,
			Bus:      a.bus,
			Health:   func() any { return a.Health() },
		}
		if a.store != nil {
			deps.Store = a.store
		}
		if cfg.HTTP.Metrics {
			deps.Metrics = a.metrics.Handler()
		}
		router := httpapi.NewRouter(deps, httpapi.Options{CORSOrigins: cfg.HTTP.CORSOrigins}, log.With(logx.Comp("http")))
		a.http = httpapi.NewServer(cfg.HTTP.Addr, router, log.With(logx.Comp("http")))
	}

	log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("spool", spc.Dir),
		logx.Int("sdk", a.src.SDKVersion()),
		logx.Int("sinks", len(sinks)),
		logx.Bool("storage", a.store != nil),
		logx.Bool("http", a.http != nil),
	)
	return a, nil
}

// Snapshot is the active-notification query.
func (a *App) Snapshot() *notification.Snapshot { return a.snapshot }

// Cache is the reply-action cache.
func (a *App) Cache() reply.Cache { return a.cache }

// HTTPAddr is the bound API address, or "" when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))

	// workers outlive the app context so Stop can drain the queue
	a.disp.Start(context.WithoutCancel(a.sup.Context()))

	a.sup.GoRestart("platform.spool", func(c context.Context) error {
		return a.src.Run(c, a.listener)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))

	if err := a.resync.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("snapshot.schedule: %w", err)
	}

	a.sup.Go("metrics.watch", func(c context.Context) error {
		return a.metrics.Watch(c, a.bus)
	})

	if a.http != nil {
		if err := a.http.Listen(); err != nil {
			return err
		}
		a.sup.Go("http.api", a.http.Serve)
	}

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Pprof.Enabled {
		pc := mapPprofConfig(cfg)
		plog := a.log.With(logx.Comp("pprof"))
		a.sup.GoRestart("pprof", func(c context.Context) error {
			return pprof.Serve(c, pc, plog)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute))
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// intake (spool watcher, http, reload) unwinds first
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("resync", 2*time.Second, func(c context.Context) error { a.resync.Stop(c); return nil })
	step("publisher", 3*time.Second, a.disp.Stop)
	step("mqtt", time.Second, func(context.Context) error {
		if a.mqtt != nil {
			a.mqtt.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Health is the /healthz payload.
type Health struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	Supervisor   rtsup.Counters    `json:"supervisor"`
	Tasks        []rtsup.TaskState `json:"tasks,omitempty"`
	Publisher    publish.Stats     `json:"publisher"`
	CacheEntries int               `json:"cache_entries"`
	CachedIcons  int               `json:"cached_icons"`
	BusDropped   uint64            `json:"bus_dropped"`
	LastSnapshot *schedule.Result  `json:"last_snapshot,omitempty"`
}

func (a *App) Health() Health {
	h := Health{
		Status:       "ok",
		Publisher:    a.disp.Stats(),
		CacheEntries: a.cache.Len(),
		CachedIcons:  a.assets.CachedIcons(),
		BusDropped:   eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Counters()
		h.Tasks = a.sup.Tasks()
		h.Uptime = time.Since(a.started).Truncate(time.Second).String()
		if a.sup.Context().Err() != nil {
			h.Status = "stopping"
		}
	}
	if r := a.resync.Last(); r.Took > 0 || r.Err != "" {
		h.LastSnapshot = &r
	}
	return h
}
