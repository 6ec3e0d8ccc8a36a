package dispatch

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/meitar/better-angels/internal/eventbus"
	"github.com/meitar/better-angels/internal/format"
	"github.com/meitar/better-angels/internal/gateway"
	"github.com/meitar/better-angels/internal/store"
	"github.com/meitar/better-angels/internal/team"
	"github.com/meitar/better-angels/internal/transport"
	logx "github.com/meitar/better-angels/pkg/logx"

	"golang.org/x/time/rate"
)

type Engine struct {
	mu sync.Mutex

	cfg      Config
	store    store.Store
	mailer   transport.Mailer
	gateways *gateway.Directory
	teams    *team.Service
	bus      *eventbus.Bus
	budget   format.Budget
	log      logx.Logger

	limiter *rate.Limiter
	queue   chan sendJob

	runCtx    context.Context
	runCancel context.CancelFunc
	stopping  bool
	workerWG  sync.WaitGroup
	prodWG    sync.WaitGroup

	sweeper *cron.Cron
	unsubs  []func()
}

func New(cfg Config, st store.Store, mailer transport.Mailer, gw *gateway.Directory, teams *team.Service, bus *eventbus.Bus, budget format.Budget, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    st,
		mailer:   mailer,
		gateways: gw,
		teams:    teams,
		bus:      bus,
		budget:   budget,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply updates tunables that are safe to change at runtime.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg.RatePerSec = cfg.RatePerSec
	e.cfg.SendTimeout = cfg.SendTimeout
	e.cfg.BaseURL = cfg.BaseURL
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.mu.Unlock()
}

// Start spins up the worker pool, subscribes to lifecycle events, and
// schedules the invitation catch-up sweep.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.queue != nil {
		// already running
		e.mu.Unlock()
		return
	}
	e.queue = make(chan sendJob, e.cfg.QueueSize)
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	q := e.queue
	runCtx := e.runCtx
	workers := e.cfg.Workers
	schedule := e.cfg.SweepSchedule
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		e.workerWG.Add(1)
		go func() {
			defer e.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("panic in dispatch worker", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			e.workerLoop(q, runCtx)
		}()
	}

	e.subscribe()

	if schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, func() { e.sweep(runCtx) }); err != nil {
			e.log.Warn("invalid sweep schedule; sweep disabled", logx.String("schedule", schedule), logx.Err(err))
		} else {
			c.Start()
			e.mu.Lock()
			e.sweeper = c
			e.mu.Unlock()
		}
	}

	e.log.Info("dispatch engine started", logx.Int("workers", workers), logx.String("sweep", schedule))
}

// Stop unsubscribes, stops the sweeper, waits out in-flight producers,
// then closes the queue and drains workers.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.queue == nil || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	q := e.queue
	cancel := e.runCancel
	sweeper := e.sweeper
	unsubs := e.unsubs
	e.sweeper = nil
	e.unsubs = nil
	e.mu.Unlock()

	for _, un := range unsubs {
		un()
	}
	if sweeper != nil {
		sctx := sweeper.Stop()
		select {
		case <-sctx.Done():
		case <-ctx.Done():
		}
	}

	// A fan-out already past the stopping check may still be blocked in
	// enqueue on a full queue; closing under it would panic. Per-send
	// timeouts release the workers so producers drain; cancel the run
	// context if the caller's deadline expires first.
	prodDone := make(chan struct{})
	go func() {
		e.prodWG.Wait()
		close(prodDone)
	}()
	select {
	case <-prodDone:
	case <-ctx.Done():
		cancel()
		<-prodDone
	}

	close(q)
	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		cancel()
		<-done
	case <-done:
		cancel()
	}

	e.mu.Lock()
	e.queue = nil
	e.runCtx = nil
	e.runCancel = nil
	e.stopping = false
	e.mu.Unlock()

	e.log.Info("dispatch engine stopped")
}

func (e *Engine) subscribe() {
	unsubs := []func(){
		e.bus.Subscribe(eventbus.KindTeamPublished, func(ctx context.Context, ev eventbus.Event) error {
			p := ev.(eventbus.TeamPublished)
			return e.InviteMembers(ctx, p.TeamID)
		}),
		e.bus.Subscribe(eventbus.KindMemberAdded, func(ctx context.Context, ev eventbus.Event) error {
			// Informational; the membership manager re-publishes
			// team.published for post-publish catch-up.
			p := ev.(eventbus.MemberAdded)
			e.log.Debug("member added", logx.String("team", p.TeamID), logx.String("user", p.UserID))
			return nil
		}),
		e.bus.Subscribe(eventbus.KindMemberRemoved, func(ctx context.Context, ev eventbus.Event) error {
			p := ev.(eventbus.MemberRemoved)
			e.log.Debug("member removed", logx.String("team", p.TeamID), logx.String("user", p.UserID))
			return nil
		}),
		e.bus.Subscribe(eventbus.KindTeamEmptied, func(ctx context.Context, ev eventbus.Event) error {
			p := ev.(eventbus.TeamEmptied)
			return e.warnIfNoResponder(ctx, p.TeamID)
		}),
		e.bus.Subscribe(eventbus.KindAlertPublished, func(ctx context.Context, ev eventbus.Event) error {
			p := ev.(eventbus.AlertPublished)
			sum, err := e.FanOutAlert(ctx, p.AlertID)
			if err != nil {
				return err
			}
			if !sum.ok() {
				e.log.Warn("alert fan-out finished with failures",
					logx.String("alert", p.AlertID),
					logx.Int("attempted", sum.Attempted),
					logx.Int("failed", sum.Failed),
				)
			}
			return nil
		}),
	}
	e.mu.Lock()
	e.unsubs = unsubs
	e.mu.Unlock()
}

func (e *Engine) baseURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.BaseURL
}
