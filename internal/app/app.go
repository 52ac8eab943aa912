// Package app wires configuration, logging, the bus, the bridge, and the
// HTTP gateway into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"busgate/internal/announce"
	"busgate/internal/api"
	"busgate/internal/bridge"
	"busgate/internal/bus"
	"busgate/internal/config"
	"busgate/internal/eventbus"
	"busgate/internal/history"
	"busgate/internal/observability/pprof"
	"busgate/internal/runtime/supervisor"
	"busgate/internal/webui"
	logx "busgate/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	events eventbus.Bus
	store  history.Store

	busSrv *bus.Server
	br     *bridge.Bridge
	apiSrv *api.Service
	ann    *announce.Service
	prof   *pprof.Service
	pages  *webui.Renderer
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	events := eventbus.New()

	busSrv := bus.New(bus.Config{
		Host:       cfg.Bus.Host,
		Port:       cfg.Bus.Port,
		SendBuffer: cfg.Bus.SendBuffer,
	}, log.With(logx.String("comp", "bus")), events)

	br := bridge.New(busSrv, log.With(logx.String("comp", "bridge")))

	// History (optional)
	var store history.Store
	if hc, enabled, err := mapHistoryConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("history enabled", logx.String("driver", hc.Driver), logx.String("path", hc.Path))
		}
	}

	pages, err := webui.New()
	if err != nil {
		return nil, err
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSrv := api.New(apiCfg, br, busSrv, pages, store, log.With(logx.String("comp", "api")))

	ann := announce.New(mapAnnounceConfig(cfg), br, busSrv, log.With(logx.String("comp", "announce")))

	prof := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		events:  events,
		store:   store,
		busSrv:  busSrv,
		br:      br,
		apiSrv:  apiSrv,
		ann:     ann,
		prof:    prof,
		pages:   pages,
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapHistoryConfig(cfg); err != nil {
			return err
		}
		if err := announce.ValidateSchedule(cfg.Announce.Schedule); err != nil {
			return fmt.Errorf("announce.schedule: %w", err)
		}
		return nil
	})

	if err := a.busSrv.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.apiSrv.Enabled() {
		if err := a.apiSrv.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.ann.Enabled() {
		a.ann.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		// Optional observability; a failed pprof bind never aborts startup.
		if err := a.prof.Start(a.sup.Context()); err != nil {
			a.log.Warn("pprof start failed", logx.Err(err))
		}
	}

	// Log bus lifecycle events for operator visibility.
	events, unsub := eventbus.SubscribeTypes(a.events, 128,
		bus.EventClientConnected, bus.EventClientIdentified, bus.EventClientClosed)
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

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "bus", "history":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		case "api":
			prevAddr := ""
			if prev != nil {
				prevAddr = prev.APIAddr()
			}
			if next.APIAddr() != prevAddr || (prev != nil && prev.API.Enabled != next.API.Enabled) {
				a.log.Warn("api address/enable changed; restart required for changes to take effect")
			}
		case "logging":
			a.logs.Apply(mapLoggingConfig(next.Logging))
		case "announce":
			a.ann.Apply(ctx, mapAnnounceConfig(next))
		case "pprof":
			a.prof.Reconfigure(ctx, mapPprofConfig(next))
		}
	}

	a.log.Info("config reloaded", logx.Any("changed", sections))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("announce", 2*time.Second, func(c context.Context) { a.ann.Stop(c) })
	step("pprof", time.Second, func(c context.Context) { a.prof.Stop(c) })
	step("api", 2*time.Second, func(c context.Context) { a.apiSrv.Stop(c) })
	step("bus", 3*time.Second, func(c context.Context) { a.busSrv.Stop(c) })
	step("history", time.Second, func(c context.Context) {
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("history close failed", logx.Err(err))
			}
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Debug("supervisor wait", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	bt, err := config.ParseDurationOrDefault("api.broadcast_timeout", cfg.API.BroadcastTimeout, 2*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	mt, err := config.ParseDurationOrDefault("api.message_timeout", cfg.API.MessageTimeout, time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:          cfg.API.Enabled,
		Addr:             cfg.APIAddr(),
		BroadcastTimeout: bt,
		MessageTimeout:   mt,
	}, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, bool, error) {
	if cfg.History == nil {
		return history.Config{}, false, nil
	}
	bt, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	if err != nil {
		return history.Config{}, false, err
	}
	return history.Config{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: bt,
	}, true, nil
}

func mapAnnounceConfig(cfg *config.Config) announce.Config {
	return announce.Config{
		Enabled:   cfg.Announce.Enabled,
		Schedule:  cfg.Announce.Schedule,
		MessageID: cfg.Announce.MessageID,
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
