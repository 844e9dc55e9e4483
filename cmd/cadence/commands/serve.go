package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/provider/gmail"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/sequence"
	"github.com/teranos/cadence/sym"
)

// ServeCmd runs the engine in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run the sequence engine",
	Long: sym.Pulse + ` Run the sequence engine in the foreground.

Starts:
- One worker pool per queue (intake, due, process, email-send, thread-check)
- The scheduler ticker driving intake and due dispatch
- The HTTP control surface (unless server.enabled = false)
- A watcher reloading send limits when the project config changes

Runs until interrupted (Ctrl+C) with GRACE shutdown.

Example:
  cadence serve
  cadence serve --db /var/lib/cadence/cadence.db --no-server`,
	RunE: runServe,
}

var noServerFlag bool

func init() {
	ServeCmd.Flags().StringVar(&dbPathFlag, "db", "", "Database path (overrides database.path)")
	ServeCmd.Flags().BoolVar(&noServerFlag, "no-server", false, "Do not start the HTTP control surface")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Logger

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limitStore, closeStore, err := openLimitStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	clk := clock.Real()
	store := sequence.NewStore(sqlx.NewDb(database, "sqlite3"), clk)
	mail := gmail.New(gmail.ConfigFrom(cfg.Gmail), gmail.SaveTo(store), clk, log)

	app, err := NewApp(cfg, database, store, limitStore, mail, clk, log)
	if err != nil {
		return err
	}
	if err := app.RegisterSchedulers(ctx); err != nil {
		return err
	}

	if path := am.ProjectConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path, am.Load, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(app.ApplyConfig)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	if err := app.Orchestrator.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start orchestrator")
	}
	app.Ticker.Start(ctx)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s cadence started\n", sym.Pulse)
	fmt.Fprintf(out, "  Database: %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Queues: %v\n", app.Orchestrator.QueueNames())
	fmt.Fprintf(out, "  Limits: %d/min, %d/hour, %d/day (fail open: %v)\n",
		cfg.Limits.PerMinute, cfg.Limits.PerHour, cfg.Limits.PerDay, cfg.Limits.FailOpen)
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled && !noServerFlag {
		g.Go(func() error { return app.Server.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	fmt.Fprintf(out, "\n%s Initiating GRACE shutdown...\n", sym.PulseClose)

	// Reverse order of startup
	app.Ticker.Stop()
	app.Orchestrator.Stop()
	if f, ok := app.Notifier.(interface{ Flush(time.Duration) bool }); ok {
		f.Flush(2 * time.Second)
	}

	fmt.Fprintf(out, "%s cadence stopped\n", sym.PulseClose)
	return runErr
}

// openLimitStore returns the shared Redis store when enabled, otherwise the
// in-process store. An unreachable Redis is fatal only when the limiter
// fails closed.
func openLimitStore(ctx context.Context, cfg *am.Config) (ratelimit.Store, func(), error) {
	if !cfg.Redis.Enabled {
		logger.Logger.Infow("Rate limits held in process memory", "symbol", sym.DB)
		return ratelimit.NewMemoryStore(clock.Real()), func() {}, nil
	}

	rs := ratelimit.NewRedisStore(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		if !cfg.Limits.FailOpen {
			rs.Close()
			err = errors.Wrapf(err, "redis at %s is unreachable", cfg.Redis.Addr)
			return nil, nil, errors.WithHint(err, "start redis, set redis.enabled = false, or set limits.fail_open = true")
		}
		logger.Logger.Warnw("Redis unreachable, sends proceed unlimited until it recovers",
			"addr", cfg.Redis.Addr, logger.FieldError, err)
	}
	return rs, func() { rs.Close() }, nil
}
