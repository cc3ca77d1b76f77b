package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamarr/internal/analytics"
	"streamarr/internal/api"
	"streamarr/internal/catalog"
	"streamarr/internal/config"
	"streamarr/internal/engine"
	"streamarr/internal/logger"
	"streamarr/internal/resolver"
	"streamarr/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(os.Stdout, cfg.Log.Dir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	res := resolver.New(cfg.Download.MoviesDir, cfg.Download.SeriesDir)

	eng := engine.New(log, store, res, catalog.New, engine.Options{
		Workers:            cfg.Download.Workers,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		ProgressInterval:   cfg.Engine.ProgressInterval,
		QueueInterval:      cfg.Engine.QueueInterval,
		MaintenanceSpec:    cfg.Engine.MaintenanceSpec,
	})
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	stats := analytics.New(store, cfg.Download.MoviesDir)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.New(log, store, eng, stats).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		eng.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	eng.Stop()
	return nil
}
