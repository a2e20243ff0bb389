package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/compose"
	"git.cscs.ch/openchami/chamicore-valence/internal/config"
	"git.cscs.ch/openchami/chamicore-valence/internal/events"
	"git.cscs.ch/openchami/chamicore-valence/internal/podmanager"
	"git.cscs.ch/openchami/chamicore-valence/internal/reconcile"
	"git.cscs.ch/openchami/chamicore-valence/internal/registry"
	"git.cscs.ch/openchami/chamicore-valence/internal/scheduler"
	"git.cscs.ch/openchami/chamicore-valence/internal/store"
	"git.cscs.ch/openchami/chamicore-valence/internal/telemetry"
	"git.cscs.ch/openchami/chamicore-valence/internal/worker"
)

const maxOpenConns = 20

// app holds the wired service components shared by serve and sync-devices.
type app struct {
	cfg        config.Config
	store      store.Store
	publisher  events.Publisher
	registry   *registry.Registry
	pool       *worker.Pool
	reconciler *reconcile.Reconciler
	podms      *podmanager.Service
	engine     *compose.Engine

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background(), logger)
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.TracesEnabled,
		ServiceName:    "chamicore-valence",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.openStore(ctx, logger); err != nil {
		return nil, err
	}

	if cfg.NATSURL != "" {
		publisher, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "chamicore-valence",
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Stream:        cfg.NATSStream,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting event publisher: %w", err)
		}
		a.publisher = publisher
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing events to NATS")
	} else {
		a.publisher = events.NopPublisher{}
	}
	a.closers = append(a.closers, func(context.Context) error { return a.publisher.Close() })

	a.registry, err = registry.New(a.store, registry.Config{
		Enabled:         cfg.EnabledDrivers,
		HTTP:            cfg.HTTP("chamicore-valence/" + version),
		RollbackTimeout: cfg.RollbackTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("building driver registry: %w", err)
	}

	a.pool = worker.New(worker.Config{Size: cfg.WorkerPoolSize}, logger)
	a.pool.Start()
	a.closers = append(a.closers, a.pool.Shutdown)

	a.reconciler = reconcile.New(a.store, a.registry, a.publisher, reconcile.Config{}, logger)
	a.podms = podmanager.New(a.store, a.registry, a.publisher, podmanager.Config{}, logger, a.reconciler)
	a.engine = compose.New(
		a.store,
		a.registry,
		scheduler.New(a.store, logger),
		a.pool,
		a.publisher,
		compose.Config{RollbackTimeout: cfg.RollbackTimeout},
		logger,
	)

	if cfg.BootstrapFile != "" {
		file, err := podmanager.LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return nil, err
		}
		added, err := a.podms.Bootstrap(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping pod managers: %w", err)
		}
		logger.Info().Int("added", added).Str("file", cfg.BootstrapFile).Msg("pod manager bootstrap complete")
	}
	return a, nil
}

// openStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store in dev mode.
func (a *app) openStore(ctx context.Context, logger zerolog.Logger) error {
	if a.cfg.DBDSN == "" {
		logger.Warn().Msg("no database configured, using in-memory store")
		a.store = store.NewMemoryStore()
		return nil
	}

	db, err := store.OpenPostgres(ctx, a.cfg.DBDSN, maxOpenConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.closers = append(a.closers, closeDB(db))
	logger.Info().Msg("connected to PostgreSQL")

	schema, err := store.Migrate(a.cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("running database migrations: %w", err)
	}
	logger.Info().Uint("version", schema).Msg("database migration complete")

	a.store = store.NewPostgresStore(db)
	return nil
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// close releases resources in reverse acquisition order.
func (a *app) close(ctx context.Context, logger zerolog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown step failed")
		}
	}
	a.closers = nil
}

// schedule registers the background jobs on a periodic runner.
func (a *app) schedule(logger zerolog.Logger) *worker.Periodic {
	periodic := worker.NewPeriodic(a.pool, logger)
	periodic.Add("sync-devices", a.cfg.SyncInterval, a.cfg.SyncOnStartup, func(ctx context.Context) {
		results, err := a.reconciler.SynchronizeDevices(ctx, "")
		if err != nil {
			logger.Error().Err(err).Msg("device reconciliation failed")
			return
		}
		if failed := failedPodms(results); len(failed) > 0 {
			logger.Warn().Strs("podm_ids", failed).Int("total", len(results)).Msg("device reconciliation incomplete")
		}
	})
	periodic.Add("podm-status", a.cfg.StatusInterval, false, func(ctx context.Context) {
		if err := a.podms.SyncStatus(ctx); err != nil {
			logger.Warn().Err(err).Msg("pod manager status refresh failed")
		}
	})
	return periodic
}

// failedPodms returns the ids of pod managers whose pass failed.
func failedPodms(results []reconcile.Result) []string {
	var failed []string
	for _, result := range results {
		if result.Status == reconcile.StatusFailed {
			failed = append(failed, result.PodmID)
		}
	}
	return failed
}

func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
