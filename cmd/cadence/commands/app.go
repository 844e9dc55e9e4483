package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/cadence/alert"
	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/monitor"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/pulse/throttle"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/recovery"
	"github.com/teranos/cadence/sender"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/server"
)

// App is the fully wired engine: orchestrator, ticker, dispatcher, monitor,
// sender and the HTTP control surface.
type App struct {
	Config       *am.Config
	Notifier     alert.Notifier
	Store        *sequence.Store
	Limiter      *ratelimit.Limiter
	Orchestrator *async.Orchestrator
	Ticker       *schedule.Ticker
	Dispatcher   *dispatch.Dispatcher
	Monitor      *monitor.Monitor
	Sender       *sender.Sender
	Server       *server.Server
}

// NewApp wires every component over database. The provider is passed in so
// the same wiring runs against Gmail or a test fake.
func NewApp(cfg *am.Config, database *sql.DB, store *sequence.Store, limitStore ratelimit.Store, p provider.Provider, clk clock.Clock, log *zap.SugaredLogger) (*App, error) {
	notifier, err := alert.FromConfig(cfg.Alerts, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure alerts")
	}

	limiter := ratelimit.NewLimiter(limitStore, ratelimit.LimitsFromConfig(cfg.Limits), cfg.Limits.FailOpen, log)

	orch := async.NewOrchestrator(database, async.Config{
		Namespace:           cfg.Pulse.QueuePrefix,
		MaintenanceInterval: cfg.Pulse.MaintenanceInterval,
		MaxStalled:          cfg.Pulse.MaxStalled,
		RetainCompleted:     cfg.Pulse.RetainCompleted,
		KeepCompleted:       cfg.Pulse.KeepCompleted,
		RetainFailed:        cfg.Pulse.RetainFailed,
		KeepFailed:          cfg.Pulse.KeepFailed,
	}, clk, log, async.WithRetryClassifier(recovery.IsRetryable))

	enq := jobs.NewEnqueuer(orch.Queue(), recovery.PolicyFrom(cfg.Retry).EnqueueOptions())
	d := dispatch.New(store, enq, limiter, dispatch.ConfigFrom(cfg), clk, log)
	mon := monitor.New(store, p, enq, limiter, monitor.ConfigFrom(cfg), clk, log)
	snd := sender.New(store, p, d, limiter, mon, sender.Config{StopOnReply: cfg.Monitor.StopOnReply}, clk, log)
	orch.SetFailureHook(recovery.NewHook(notifier, limiter, d, log))

	handlers := append(d.Handlers(), snd.Handler(), mon.Handler())
	for _, h := range handlers {
		qc := cfg.Pulse.Queue(h.Name())
		var gate async.StartLimiter
		if qc.StartLimit > 0 {
			gate = throttle.NewLimiterWithClock(qc.StartLimit, qc.StartWindow, clk)
		}
		err := orch.Register(h, async.PoolConfig{
			Workers:      qc.Workers,
			PollInterval: cfg.Pulse.PollInterval,
			LockDuration: cfg.Pulse.LockDuration,
		}, gate)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to register %s", h.Name())
		}
	}

	tickerCfg := schedule.DefaultTickerConfig()
	if cfg.Schedulers.TickInterval > 0 {
		tickerCfg.Interval = cfg.Schedulers.TickInterval
	}
	ticker := schedule.NewTicker(database, orch.Queue(), orch, tickerCfg, clk, log)

	srv := server.New(server.Deps{
		Enqueuer:  enq,
		Sequences: store,
		Admin:     d,
		Usage:     limiter,
		Pools:     orch,
	}, cfg.Server, log)

	return &App{
		Config:       cfg,
		Notifier:     notifier,
		Store:        store,
		Limiter:      limiter,
		Orchestrator: orch,
		Ticker:       ticker,
		Dispatcher:   d,
		Monitor:      mon,
		Sender:       snd,
		Server:       srv,
	}, nil
}

// RegisterSchedulers upserts the intake and due schedulers.
func (a *App) RegisterSchedulers(ctx context.Context) error {
	schs, err := dispatch.Schedulers(a.Config.Schedulers)
	if err != nil {
		return err
	}
	for _, sch := range schs {
		if err := a.Ticker.Register(ctx, sch); err != nil {
			return errors.Wrapf(err, "failed to register scheduler %s", sch.ID)
		}
	}
	return nil
}

// ApplyConfig pushes reloadable settings into running components.
func (a *App) ApplyConfig(cfg *am.Config) error {
	a.Limiter.SetLimits(ratelimit.LimitsFromConfig(cfg.Limits))
	return nil
}
