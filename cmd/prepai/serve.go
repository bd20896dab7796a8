package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/prepai/internal/app"
	"github.com/ent0n29/prepai/internal/config"
)

const janitorInterval = 5 * time.Second

func newServeCmd() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime websocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			return serve(cmd.Context(), cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}

func serve(parent context.Context, cmd *cobra.Command, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()
	logger.Info("realtime provider", "provider", built.Realtime.Provider, "detail", built.Realtime.Detail)
	logger.Info("store mode", "mode", built.StoreMode)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	built.Sessions.StartJanitor(janitorCtx, janitorInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	janitorCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	drainSessions(shutdownCtx, built.Sessions, logger)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

type sessionRegistry interface {
	Shutdown()
	Wait(ctx context.Context) bool
	ActiveCount() int
}

// drainSessions ends every live connection and waits for their termination
// sequences, which persist records, before the stores are closed.
// http.Server.Shutdown does not track hijacked websocket connections.
func drainSessions(ctx context.Context, sessions sessionRegistry, logger *slog.Logger) bool {
	logger.Info("ending live sessions", "active", sessions.ActiveCount())
	sessions.Shutdown()
	if !sessions.Wait(ctx) {
		logger.Warn("live sessions did not finish before shutdown timeout")
		return false
	}
	return true
}
