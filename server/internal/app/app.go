// Package app is the main orchestrator that ties all server components
// together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lanhall-io/lanhall/pkg/protocol"
	"github.com/lanhall-io/lanhall/server/internal/api"
	"github.com/lanhall-io/lanhall/server/internal/auth"
	"github.com/lanhall-io/lanhall/server/internal/config"
	"github.com/lanhall-io/lanhall/server/internal/monitor"
	"github.com/lanhall-io/lanhall/server/internal/registry"
	"github.com/lanhall-io/lanhall/server/internal/store"
	"github.com/lanhall-io/lanhall/server/internal/ws"
)

// App is the main server process.
type App struct {
	cfg        *config.Config
	version    string
	store      store.Store
	authSvc    *auth.Service
	agents     *registry.AgentRegistry
	dashboards *registry.DashboardRegistry
	monitor    *monitor.Monitor
	reaper     *monitor.Reaper
	api        *api.Server
	logger     *slog.Logger
}

// New creates a new server from configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}
	staffVerifier, err := auth.NewStaffVerifier(cfg.Auth, authSvc)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	agents := registry.NewAgentRegistry(logger)
	dashboards := registry.NewDashboardRegistry(logger)

	// Agent tokens are always minted and verified locally, independent of
	// the staff provider.
	wsh := ws.NewHandler(db, staffVerifier, authSvc, agents, dashboards, logger, ws.Options{
		ServerVersion:     version,
		HeartbeatInterval: cfg.Session.HeartbeatInterval.Duration,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	})

	mon := monitor.New(db, agents, dashboards, logger, monitor.Options{
		PollInterval:      cfg.Session.PollInterval.Duration,
		WarningThresholds: cfg.WarningDurations(),
		GracePeriod:       cfg.Session.ExpiryGracePeriod.Duration,
	})
	reaper := monitor.NewReaper(db, agents, dashboards, logger,
		cfg.Session.PollInterval.Duration, cfg.Session.HeartbeatTimeout.Duration)

	apiSrv := api.NewServer(db, staffVerifier, authSvc, agents, dashboards, wsh, cfg, logger)

	app := &App{
		cfg:        cfg,
		version:    version,
		store:      db,
		authSvc:    authSvc,
		agents:     agents,
		dashboards: dashboards,
		monitor:    mon,
		reaper:     reaper,
		api:        apiSrv,
		logger:     logger.With("component", "app"),
	}

	if staffVerifier.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return app, nil
}

// Run starts the HTTP server and background loops and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go a.monitor.Run(loopCtx)
	go a.reaper.Run(loopCtx)
	a.api.StartBackground(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		// Tell every connected peer before tearing sockets down. Agents keep
		// enforcing deadlines locally and resync on reconnect.
		shutdown := protocol.ServerShutdown{Message: "server shutting down"}
		a.agents.CloseAll(protocol.TypeServerShutdown, shutdown)
		a.dashboards.CloseAll(protocol.TypeServerShutdown, shutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}
