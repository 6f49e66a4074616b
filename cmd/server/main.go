package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"gcli2api/internal/config"
	"gcli2api/internal/logging"
	"gcli2api/internal/server"
	"gcli2api/internal/storage"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if err := logging.Setup(settings.Debug, settings.LogFile); err != nil {
		log.WithError(err).Fatal("set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, settings.PostgresDSN, settings.RedisURL, settings.CredentialsDir)
	if err != nil {
		log.WithError(err).Fatal("open storage backend")
	}
	defer store.Close()

	srv := &http.Server{
		Addr:    settings.Addr(),
		Handler: server.Build(settings, store),
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced shutdown")
	}
}
