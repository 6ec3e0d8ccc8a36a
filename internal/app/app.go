// Package app wires the engine together: config, logging, record
// store, event bus, membership manager, and the dispatch engine.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meitar/better-angels/internal/config"
	"github.com/meitar/better-angels/internal/dispatch"
	"github.com/meitar/better-angels/internal/eventbus"
	"github.com/meitar/better-angels/internal/format"
	"github.com/meitar/better-angels/internal/gateway"
	"github.com/meitar/better-angels/internal/store"
	"github.com/meitar/better-angels/internal/team"
	"github.com/meitar/better-angels/internal/transport"
	logx "github.com/meitar/better-angels/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store  store.Store
	bus    *eventbus.Bus
	teams  *team.Service
	engine *dispatch.Engine

	mu       sync.Mutex
	stopped  bool
	cancelFn context.CancelFunc
	bgWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log)

	st, err := openStore(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New(log)
	teams := team.New(st, bus, log)
	mailer := transport.NewSMTPMailer(transport.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, log)
	gw := gateway.NewDirectory(cfg.SMS.Gateways)

	dcfg, err := dispatchConfig(cfg)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	engine := dispatch.New(dcfg, st, mailer, gw, teams, bus, smsBudget(cfg), log)

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  st,
		bus:    bus,
		teams:  teams,
		engine: engine,
	}, nil
}

func openStore(cfg *config.Config, log logx.Logger) (store.Store, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	schedule := cfg.Dispatch.SweepSchedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	return dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		SendTimeout:   timeout,
		SweepSchedule: schedule,
		BaseURL:       cfg.BaseURL(),
	}, nil
}

func smsBudget(cfg *config.Config) format.Budget {
	b := format.SMSBudget()
	if cfg.SMS.MaxLen > 0 {
		b.MaxLen = cfg.SMS.MaxLen
	}
	if cfg.SMS.WrapOverhead > 0 {
		b.WrapOverhead = cfg.SMS.WrapOverhead
	}
	if cfg.SMS.GatewayOverhead > 0 {
		b.GatewayOverhead = cfg.SMS.GatewayOverhead
	}
	return b
}

// Start brings up the engine and the config watcher.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFn = cancel
	a.mu.Unlock()

	a.engine.Start(runCtx)

	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()

	updates := a.cfgMgr.Subscribe(1)
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("buoyd started")
	return nil
}

// applyConfig re-applies the reloadable subset: log sinks/levels and
// dispatch tunables. Store driver and SMTP endpoint changes need a
// restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if dcfg, err := dispatchConfig(cfg); err == nil {
		a.engine.Apply(dcfg)
	} else {
		a.log.Warn("config reload: dispatch section rejected", logx.Err(err))
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancelFn
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.engine.Stop(ctx)
	a.bgWG.Wait()
	err := a.store.Close()
	_ = a.logSvc.Close()
	return err
}

// Teams exposes the membership manager to the embedding application.
func (a *App) Teams() *team.Service { return a.teams }

// Engine exposes the dispatch engine (alert raising, fan-out).
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Store exposes the record store.
func (a *App) Store() store.Store { return a.store }
