// Package app wires config, store, service, retention and the HTTP server
// into one lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"loom/internal/retention"
	"loom/pkg/config"
	"loom/pkg/logger"
	"loom/pkg/state"
	"loom/pkg/store"
	"loom/pkg/thread"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfig
	version   string
	commit    string
	buildDate string

	st  *store.Store
	svc *thread.Service
	srv *http.Server
}

// New initializes resources that do not need a running context: state dirs,
// the pebble store and the conversation service. Call Run to start the HTTP
// server and retention scheduler and block until shutdown.
func New(eff config.EffectiveConfig, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state dirs under %s: %w", eff.DBPath, err)
	}

	st, err := store.Open(state.StorePath(eff.DBPath), store.Options{
		CacheBytes: eff.Config.Storage.CacheSize.Int64(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	svc := thread.NewService(st, eff.Config.Stream.FlushInterval.Duration())
	return &App{eff: eff, version: version, commit: commit, buildDate: buildDate, st: st, svc: svc}, nil
}

// Service exposes the conversation service, mainly for admin triggers and
// tests that drive the app directly.
func (a *App) Service() *thread.Service { return a.svc }

// Run starts retention and the HTTP server and blocks until ctx is canceled
// or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stopRetention, err := retention.Start(ctx, a.eff.Config.Retention, a.svc)
	if err != nil {
		return err
	}
	defer stopRetention()

	a.printBanner()
	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// shutdown drains the HTTP server, flushes the streaming coalescer and
// closes the store, in that order.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err)
		}
	}
	if err := a.svc.Close(ctx); err != nil {
		logger.Warn("stream_close_failed", "error", err)
	}
	if err := a.st.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	logger.Info("shutdown_complete")
	return nil
}

func validateConfig(eff config.EffectiveConfig) error {
	if eff.DBPath == "" {
		return fmt.Errorf("db path must be set (flag -db, env LOOM_DB_PATH or storage.db_path)")
	}
	if eff.Addr == "" {
		return fmt.Errorf("listen address must be set")
	}
	sec := eff.Config.Security
	if len(sec.APIKeys.Backend) == 0 && len(sec.APIKeys.Frontend) == 0 && !sec.APIKeys.AllowUnauth {
		return fmt.Errorf("no API keys configured; set security.api_keys or security.api_keys.allow_unauth for local use")
	}
	return nil
}
