/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger process: event store, command
  handler, read model projection, lifecycle sweeps and the ops HTTP
  server. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Resolve configuration (flags > env > YAML > defaults)
  2. Build the logger and metrics registry
  3. Open the event store (memory, SQLite or PostgreSQL + migrations)
  4. Choose the projection store and rebuild it when it is not durable
  5. Create the command handler with publisher, projector and metrics
  6. Start the lifecycle scheduler
  7. Start the ops server with graceful shutdown

PROJECTION STORE:
  sqlite    views live in the same database file as the events
  memory    views in memory
  postgres  views in memory, rebuilt from the streams at startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for an in-flight sweep
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/points.db"

  # Run fully in memory
  ./server -store=memory

  # Run on PostgreSQL with a program file
  DATABASE_URL=postgres://... ./server -store=postgres -config=program.yaml

SEE ALSO:
  - config/config.go: Settings and precedence
  - api/server.go: Router configuration
  - command/handler.go: Ledger entry point
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/command"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/notify"
	"github.com/warp/points-ledger/obs"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
	"github.com/warp/points-ledger/projection"
	"github.com/warp/points-ledger/scheduler"
	"github.com/warp/points-ledger/store/pg"
	"github.com/warp/points-ledger/store/sqlite"
)

// backend bundles what the rest of startup needs from the chosen store.
type backend struct {
	events  points.EventStore
	catalog points.Catalog
	views   projection.Store
	pinger  api.Pinger
	close   func() error
	// durable views survive restarts and need no rebuild
	durable bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "points-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], nil)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	log, err := obs.NewLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	metrics := obs.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	log.Info("event store ready", "store", cfg.Store)

	repo := points.NewRepository(b.events)
	projector := projection.NewProjector(b.views, log.With("component", "projection"))
	if !b.durable {
		if _, err := projector.Rebuild(ctx, b.catalog, repo); err != nil {
			return fmt.Errorf("rebuilding projection: %w", err)
		}
	}

	// Notifications
	bus := notify.NewBus(256)
	go logNotifications(ctx, bus.Subscribe(ctx), log.With("component", "notify"))

	// Initialize handler
	handler := command.New(repo,
		command.WithPublisher(bus),
		command.WithProjector(projector),
		command.WithLogger(log),
		command.WithMetrics(metrics),
		command.WithIssuing(command.Issuing{
			ValidityDays: cfg.Program.ValidityDays,
			LockDays:     cfg.Program.LockDays,
		}),
	)

	// Scheduler
	sched := scheduler.New(b.views, handler, log)
	sched.CheckInterval = cfg.Scheduler.Interval
	sched.Enabled = cfg.Scheduler.Enabled
	sched.Metrics = metrics
	if cfg.Scheduler.Rate > 0 {
		sched.Limiter = rate.NewLimiter(rate.Limit(cfg.Scheduler.Rate), 1)
	}
	sched.Start(ctx)
	defer sched.Stop()

	// Create router
	router := api.NewRouter(api.NewHandler(b.pinger, sched, cfg.Scheduler.Enabled), metrics, log)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("ops server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped", "dropped_notifications", bus.Dropped())
	return nil
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		mem := store.NewMemory()
		return &backend{
			events:  mem,
			catalog: mem,
			views:   projection.NewMemory(),
			close:   func() error { return nil },
		}, nil

	case config.StoreSQLite:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return &backend{
			events:  s,
			catalog: s,
			views:   s,
			pinger:  s,
			close:   s.Close,
			durable: true,
		}, nil

	case config.StorePostgres:
		s, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &backend{
			events:  s,
			catalog: s,
			views:   projection.NewMemory(),
			pinger:  s,
			close:   s.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// logNotifications drains a bus subscription until it closes.
func logNotifications(ctx context.Context, sub <-chan notify.Notification, log *slog.Logger) {
	for n := range sub {
		attrs := []any{"notification", n.Name(), "account_id", n.Account().String()}
		if c, ok := n.(notify.AvailablePointsAmountChanged); ok {
			attrs = append(attrs,
				"amount", c.Amount.String(),
				"delta", c.Delta.String(),
				"operation", string(c.Operation))
		}
		log.InfoContext(ctx, "points notification", attrs...)
	}
}
