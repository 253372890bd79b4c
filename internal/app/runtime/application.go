// Package runtime assembles the daemon from configuration and owns its
// lifecycle: startup ordering, the background scheduler, periodic
// snapshots, and graceful shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/robfig/cron/v3"

	"github.com/edwardtay/deadman-switch/internal/app/httpapi"
	"github.com/edwardtay/deadman-switch/internal/app/snapshot"
	"github.com/edwardtay/deadman-switch/internal/app/storage"
	"github.com/edwardtay/deadman-switch/internal/app/storage/memory"
	"github.com/edwardtay/deadman-switch/internal/app/storage/postgres"
	"github.com/edwardtay/deadman-switch/internal/app/system"
	"github.com/edwardtay/deadman-switch/internal/config"
	"github.com/edwardtay/deadman-switch/internal/ledger"
	"github.com/edwardtay/deadman-switch/pkg/logger"

	svc "github.com/edwardtay/deadman-switch/internal/app/services/deadman"
)

// Application is the fully wired daemon.
type Application struct {
	cfg      config.Config
	log      *logger.Logger
	store    storage.AccountStore
	service  *svc.Service
	poller   system.Service
	server   *http.Server
	cron     *cron.Cron
	snapshot *snapshot.Manager
	closers  []func() error
}

// New wires every component from configuration. Nothing starts running
// until Run.
func New(ctx context.Context, cfg config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	app := &Application{cfg: cfg, log: log.WithComponent("runtime")}

	if err := app.initStore(ctx, log); err != nil {
		return nil, err
	}

	custody := ledger.AccountRef{Owner: cfg.Ledger.CustodyAccount}
	ledgerClient, err := ledger.NewHTTPClient(ledger.Config{
		URL:                cfg.Ledger.URL,
		Timeout:            cfg.Ledger.RequestTimeout.Std(),
		TransfersPerSecond: cfg.Ledger.TransfersPerSecond,
	}, log.WithComponent("ledger"))
	if err != nil {
		return nil, err
	}

	service := svc.NewService(app.store, ledgerClient, custody, log.WithComponent("deadman"))
	engine := svc.NewEngine(ledgerClient, custody, log.WithComponent("disburse"))
	app.service = service
	app.poller = svc.NewPoller(service, engine, log.WithComponent("poller"),
		svc.WithPollInterval(cfg.Scheduler.PollInterval.Std()))

	handler := httpapi.NewHandler(service, log.WithComponent("httpapi"))
	app.server = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      httpapi.NewRouter(handler, log.WithComponent("httpapi")),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	if err := app.initSnapshots(ctx, log); err != nil {
		return nil, err
	}

	return app, nil
}

func (a *Application) initStore(ctx context.Context, log *logger.Logger) error {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.store = memory.New()
	case "postgres":
		pgCfg := a.cfg.Storage.Postgres
		pg, err := postgres.Open(ctx, pgCfg.DSN, postgres.PoolConfig{
			MaxOpenConns:    pgCfg.MaxOpenConns,
			MaxIdleConns:    pgCfg.MaxIdleConns,
			ConnMaxLifetime: pgCfg.ConnMaxLifetime.Std(),
		}, log.WithComponent("postgres"))
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return err
		}
		a.store = pg
		a.closers = append(a.closers, pg.Close)
	default:
		return fmt.Errorf("unsupported storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

// initSnapshots restores existing state and schedules periodic saves.
// Snapshots only make sense for the memory backend; postgres is already
// durable.
func (a *Application) initSnapshots(ctx context.Context, log *logger.Logger) error {
	if a.cfg.Snapshot.Path == "" || a.cfg.Storage.Backend != "memory" {
		return nil
	}

	a.snapshot = snapshot.NewManager(a.store, a.cfg.Snapshot.Path,
		a.cfg.Ledger.CustodyAccount, log.WithComponent("snapshot"))
	if err := a.snapshot.Restore(ctx); err != nil {
		return err
	}

	a.cron = cron.New()
	_, err := a.cron.AddFunc(a.cfg.Snapshot.Schedule, func() {
		if err := a.snapshot.Save(context.Background()); err != nil {
			a.log.WithError(err).Error("periodic snapshot failed")
		}
	})
	if err != nil {
		return fmt.Errorf("bad snapshot schedule %q: %w", a.cfg.Snapshot.Schedule, err)
	}
	return nil
}

// Run starts the scheduler, snapshot job, and HTTP listener, then blocks
// until ctx is cancelled or the listener fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.poller.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", a.poller.Name(), err)
	}
	if a.cron != nil {
		a.cron.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("address", a.server.Addr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
		return a.Shutdown()
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops components in reverse start order: listener first so no
// new mutations arrive, then the scheduler, then a final snapshot.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil {
		firstErr = err
		a.log.WithError(err).Warn("http server shutdown failed")
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if err := a.poller.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.snapshot != nil {
		if err := a.snapshot.Save(context.Background()); err != nil {
			a.log.WithError(err).Error("final snapshot failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.log.Info("shutdown complete")
	return firstErr
}
