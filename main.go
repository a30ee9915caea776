package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botdeck/internal/channel"
	"botdeck/internal/config"
	httpapi "botdeck/internal/http"
	"botdeck/internal/logging"
	"botdeck/internal/scheduler"
	"botdeck/internal/storage"
	"botdeck/internal/wa"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", true)
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := channel.NewHub(log)
	manager, err := wa.NewManager(ctx, cfg.DBDSN, store, httpapi.NewEvents(hub, store, log), cfg.PairingTimeout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp store")
	}
	if n := manager.Resume(ctx); n > 0 {
		log.Info().Int("bots", n).Msg("resumed bots")
	}

	sched := scheduler.New(store, manager, cfg.PairingTimeout, log)
	sched.Start(ctx)

	router := httpapi.NewRouter(store, manager, hub, cfg.TokenTTL, log)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	sched.Stop()
	manager.Shutdown()
}
