// Package app wires the device hub components into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"device-hub-backend/config"
	"device-hub-backend/internal/api"
	"device-hub-backend/internal/db"
	"device-hub-backend/internal/gateway"
	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/mw"
	"device-hub-backend/internal/notification"
	"device-hub-backend/internal/occupancy"
	"device-hub-backend/internal/probe"
	"device-hub-backend/internal/scanner"
	"device-hub-backend/internal/store"
)

const shutdownTimeout = 5 * time.Second

// App holds the running components.
type App struct {
	cfg      *config.Config
	db       *gorm.DB
	Store    store.Store
	Hub      *hub.Hub
	Scanner  *scanner.Service
	Pool     *notification.WorkerPool
	Gateway  *gateway.Gateway
	Sessions *gateway.Sessions
	Router   *api.Router
	log      zerolog.Logger
}

// New opens the database and builds every component. Nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return build(cfg, gormDB, probe.ExecRunner{}), nil
}

func build(cfg *config.Config, gormDB *gorm.DB, runner probe.Runner) *App {
	log := logger.Component("app")
	appStore := store.NewGormStore(gormDB)
	liveHub := hub.New(cfg.Hub.BufferSize)

	prober := probe.NewADBProber(cfg.Scanner, runner)
	scannerSvc := scanner.NewService(cfg.Scanner, appStore, prober, liveHub)

	var (
		webpushOptions *webpush.Options
		pool           *notification.WorkerPool
		notifier       occupancy.Notifier
	)
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool = notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		notifier = pool
	} else {
		log.Warn().Msg("VAPID keys not configured, push notifications disabled")
	}

	gw := gateway.New(cfg.Gateway, cfg.Scanner.ADBPath, appStore, runner, scannerSvc)
	sessions := gateway.NewSessions(gw, cfg.Gateway.SessionIdleTimeout)

	router := api.NewRouter(cfg, api.Services{
		Store:       appStore,
		Hub:         liveHub,
		Occupancy:   occupancy.NewManager(appStore, liveHub, notifier),
		Gateway:     gw,
		Sessions:    sessions,
		Scanner:     scannerSvc,
		Diagnostics: prober,
		Webpush:     webpushOptions,
	})

	return &App{
		cfg:      cfg,
		db:       gormDB,
		Store:    appStore,
		Hub:      liveHub,
		Scanner:  scannerSvc,
		Pool:     pool,
		Gateway:  gw,
		Sessions: sessions,
		Router:   router,
		log:      log,
	}
}

// Run serves HTTP and runs the background services until ctx is cancelled,
// then shuts the server down gracefully and closes open terminal sessions.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: a.Router,
	}

	// Subscribe before anything can publish so no change escapes the flush.
	cacheSub := a.Hub.Subscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mw.FlushOn(gctx, a.Router.Cache, cacheSub.Events())
		return nil
	})
	g.Go(func() error {
		a.Scanner.Run(gctx)
		return nil
	})
	if a.Pool != nil {
		a.Pool.Start(gctx)
	}

	g.Go(func() error {
		a.log.Info().Int("port", a.cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutdown signal received, stopping services")

		a.Sessions.CloseAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server Shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if sqlDB, dbErr := a.db.DB(); dbErr == nil {
		sqlDB.Close()
	}
	if err != nil {
		return err
	}
	a.log.Info().Msg("server gracefully stopped")
	return nil
}
