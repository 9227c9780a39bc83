// Package app wires the dispatch engine: configuration, logging,
// storage, channels, the queue and its observers, and the lifecycle
// that ties them together.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ampynjord/MedAlert/internal/analytics"
	"github.com/ampynjord/MedAlert/internal/channel"
	"github.com/ampynjord/MedAlert/internal/config"
	"github.com/ampynjord/MedAlert/internal/dispatch"
	"github.com/ampynjord/MedAlert/internal/eventbus"
	"github.com/ampynjord/MedAlert/internal/monitor"
	"github.com/ampynjord/MedAlert/internal/prefs"
	"github.com/ampynjord/MedAlert/internal/priority"
	"github.com/ampynjord/MedAlert/internal/queue"
	"github.com/ampynjord/MedAlert/internal/runtime/supervisor"
	"github.com/ampynjord/MedAlert/internal/storage"
	logx "github.com/ampynjord/MedAlert/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *channel.Registry
	socket   *channel.SocketChannel
	httpSrv  *http.Server

	engine   *priority.Engine
	prefsMgr *prefs.Manager
	orch     *dispatch.Orchestrator
	queue    *queue.Service
	monitor  *monitor.Service
	stats    *analytics.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(0),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	channels, socket := buildChannels(cfg, log)
	if len(channels) == 0 {
		log.Warn("no delivery channels enabled")
	}
	registry := channel.NewRegistry(channels...)

	engine := priority.New(priority.Options{
		Log: log.With(logx.String("comp", "priority")),
	})

	prefsMgr := prefs.NewManager(store,
		prefs.WithLogger(log.With(logx.String("comp", "prefs"))),
		prefs.WithBus(bus),
		prefs.WithCacheTTL(cfg.Preferences.CacheTTLOr(5*time.Minute)))
	filter := prefs.NewFilter(prefsMgr, log.With(logx.String("comp", "filter")))

	q := queue.New(store, registry, bus, queue.Options{
		BatchSize:         cfg.Queue.BatchSize,
		Parallelism:       cfg.Queue.Parallelism,
		PollInterval:      cfg.Queue.PollIntervalOr(0),
		MaxProcessingTime: cfg.Queue.MaxProcessingTimeOr(0),
		ReaperInterval:    cfg.Queue.ReaperIntervalOr(0),
		ReaperGrace:       cfg.Queue.ReaperGraceOr(0),
		RetryDelays:       cfg.Queue.RetryDelayList(nil),
		MaxAttempts:       cfg.Queue.MaxAttempts,
		ShutdownGrace:     cfg.Queue.ShutdownGraceOr(0),
	}, queue.WithLogger(log.With(logx.String("comp", "queue"))))

	orch := dispatch.New(engine, filter, q, registry,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))))

	var mon *monitor.Service
	if cfg.Monitor.Enabled == nil || *cfg.Monitor.Enabled {
		mon = monitor.New(q, bus, monitor.Options{
			SampleInterval:      cfg.Monitor.SampleIntervalOr(0),
			Window:              cfg.Monitor.WindowOr(0),
			DepthWarning:        cfg.Monitor.DepthWarning,
			DepthCritical:       cfg.Monitor.DepthCritical,
			FailureRateWarning:  cfg.Monitor.FailureRateWarning,
			FailureRateCritical: cfg.Monitor.FailureRateCritical,
			StuckWarning:        cfg.Monitor.StuckWarning,
		}, monitor.WithLogger(log.With(logx.String("comp", "monitor"))))
	}

	var stats *analytics.Service
	if cfg.Analytics.Enabled == nil || *cfg.Analytics.Enabled {
		stats = analytics.New(store, bus, analytics.Options{
			RecentSize:    cfg.Analytics.RecentSize,
			RetentionDays: cfg.Analytics.RetentionDays,
			HourlySpec:    cfg.Analytics.HourlySpec,
			DailySpec:     cfg.Analytics.DailySpec,
		}, analytics.WithLogger(log.With(logx.String("comp", "analytics"))))
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		socket:   socket,
		engine:   engine,
		prefsMgr: prefsMgr,
		orch:     orch,
		queue:    q,
		monitor:  mon,
		stats:    stats,
	}, nil
}

// Dispatcher exposes the dispatch entry point to embedding callers.
func (a *App) Dispatcher() *dispatch.Orchestrator { return a.orch }

// Preferences exposes the preference manager.
func (a *App) Preferences() *prefs.Manager { return a.prefsMgr }

// Done is closed when the app context is canceled.
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.registry.InitializeAll(a.sup.Context()); err != nil {
		return err
	}
	if err := a.queue.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.monitor != nil {
		if err := a.monitor.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.stats != nil {
		if err := a.stats.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if a.socket != nil {
		cfg := a.cfgm.Get()
		addr := cfg.Channels.Socket.ListenAddr
		if addr == "" {
			addr = "127.0.0.1:8090"
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", a.socket.Handler())
		mux.HandleFunc("/healthz", a.handleHealth)
		mux.HandleFunc("/stats", a.handleStats)
		a.httpSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		a.sup.Go("socket.http", func(c context.Context) error {
			err := a.httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		a.log.Info("socket listener started", logx.String("addr", addr))
	}

	// Debug visibility into the pipeline's event traffic.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload: logging applies live; structural sections need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; storage, queue and channel changes take effect on restart")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Stop intake first so the queue drains instead of refilling.
	if a.httpSrv != nil {
		step("http", 2*time.Second, a.httpSrv.Shutdown)
	}
	if a.socket != nil {
		step("socket", time.Second, func(context.Context) error { a.socket.Shutdown(); return nil })
	}
	step("queue", 15*time.Second, a.queue.Stop)
	if a.monitor != nil {
		step("monitor", 2*time.Second, a.monitor.Stop)
	}
	if a.stats != nil {
		step("analytics", 5*time.Second, a.stats.Stop)
	}
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Queue    monitor.Report            `json:"queue"`
		Channels map[string]channel.Health `json:"channels"`
	}{}
	if a.monitor != nil {
		resp.Queue = a.monitor.Health()
	}
	resp.Channels = map[string]channel.Health{}
	for id, h := range a.registry.Health(r.Context()) {
		resp.Channels[string(id)] = h
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Queue     queue.Stats     `json:"queue"`
		Analytics analytics.Stats `json:"analytics,omitzero"`
	}{Queue: a.queue.Snapshot(r.Context())}
	if a.stats != nil {
		resp.Analytics = a.stats.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// buildChannels instantiates every enabled channel from config. The
// socket channel is returned separately so the app can mount its HTTP
// handler.
func buildChannels(cfg *config.Config, log logx.Logger) ([]channel.Channel, *channel.SocketChannel) {
	var out []channel.Channel

	if c := cfg.Channels.Push; c.Enabled {
		timeout, _ := config.ParseDurationOrDefault("channels.push.timeout", c.Timeout, 0)
		out = append(out, channel.NewPush(channel.PushConfig{
			Endpoint:   c.Endpoint,
			Token:      c.Token,
			Timeout:    timeout,
			RatePerSec: c.RatePerSec,
			Burst:      c.Burst,
			Log:        log.With(logx.String("comp", "channel.push")),
		}))
	}
	if c := cfg.Channels.Chat; c.Enabled {
		timeout, _ := config.ParseDurationOrDefault("channels.chat.timeout", c.Timeout, 0)
		out = append(out, channel.NewChat(channel.ChatConfig{
			WebhookURL: c.WebhookURL,
			Username:   c.Username,
			Timeout:    timeout,
			RatePerSec: c.RatePerSec,
			Log:        log.With(logx.String("comp", "channel.chat")),
		}))
	}
	if c := cfg.Channels.Email; c.Enabled {
		out = append(out, channel.NewEmail(channel.EmailConfig{
			SMTPAddr: c.SMTPAddr,
			From:     c.From,
			Username: c.Username,
			Password: c.Password,
			Domain:   c.Domain,
			Log:      log.With(logx.String("comp", "channel.email")),
		}))
	}

	var socket *channel.SocketChannel
	if c := cfg.Channels.Socket; c.Enabled {
		writeTimeout, _ := config.ParseDurationOrDefault("channels.socket.write_timeout", c.WriteTimeout, 0)
		socket = channel.NewSocket(channel.SocketConfig{
			SendBuffer:   c.SendBuffer,
			WriteTimeout: writeTimeout,
			Log:          log.With(logx.String("comp", "channel.socket")),
		})
		out = append(out, socket)
	}
	return out, socket
}
