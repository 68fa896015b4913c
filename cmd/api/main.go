package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"medroute/internal/api"
	"medroute/internal/buildinfo"
	"medroute/internal/config"
	"medroute/internal/logger"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", false)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	srv, err := api.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init server")
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error().Err(err).Msg("close")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := srv.NewWebhookWorker()
	workerDone := worker.Start(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Str("version", buildinfo.Version).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	select {
	case <-workerDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("webhook worker did not stop in time")
	}
}
