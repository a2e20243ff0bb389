package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-valence/api"
	"git.cscs.ch/openchami/chamicore-valence/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := log.With().Str("component", "main").Logger()
	logger.Info().Str("version", version).Str("commit", commit).Str("build_date", buildDate).Msg("starting chamicore-valence")
	if cfg.DevMode {
		logger.Warn().Msg("DEV MODE ENABLED - do not use in production")
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log.Logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	srv := server.New(a.store, a.podms, a.engine, a.reconciler, cfg, version, commit, buildDate,
		server.WithOpenAPISpec(api.OpenAPISpec),
		server.WithLogger(log.Logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous composition waits on the fabric.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	periodicCtx, stopPeriodic := context.WithCancel(ctx)
	periodicDone := make(chan struct{})
	go func() {
		defer close(periodicDone)
		a.schedule(log.Logger).Run(periodicCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("HTTP server error")
	}

	shutdownCtx, shutdownCancel := shutdownContext(cfg.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("HTTP server shutdown error")
	}
	stopPeriodic()
	<-periodicDone
	a.close(shutdownCtx, logger)

	logger.Info().Msg("server stopped gracefully")
	return runErr
}
