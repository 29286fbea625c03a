// Package main is the entry point for the Peagen gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/peagen-io/peagen/internal/config"
	"github.com/peagen-io/peagen/internal/gateway"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/store"
)

// Exit codes: 1 configuration error, 2 storage unavailable, 3 queue
// unavailable.
const (
	exitConfig  = 1
	exitStorage = 2
	exitQueue   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting gateway",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("result_backend", cfg.ResultBackend.Kind),
		slog.String("queue", cfg.Queue.Kind),
	)

	st, err := store.Open(store.Config{
		Kind:  cfg.ResultBackend.Kind,
		DSN:   cfg.ResultBackend.DSN,
		Pools: cfg.Pools,
	})
	if err != nil {
		logger.Error("result backend unavailable", slog.String("error", err.Error()))
		return exitStorage
	}
	defer st.Close()
	logger.Info("result backend ready", slog.String("kind", cfg.ResultBackend.Kind))

	q, err := queue.Open(queue.Config{
		Kind:              cfg.Queue.Kind,
		URL:               cfg.Queue.URL,
		CompressThreshold: cfg.Queue.CompressThreshold,
	})
	if err != nil {
		logger.Error("queue unavailable", slog.String("error", err.Error()))
		return exitQueue
	}
	defer q.Close()
	logger.Info("queue ready", slog.String("kind", cfg.Queue.Kind))

	app := gateway.New(cfg, st, q, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      app.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
		return exitConfig
	case <-ctx.Done():
	}

	// Drain: stop accepting submissions, let in-flight dispatches finish.
	app.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("drain window elapsed, closing connections", slog.String("error", err.Error()))
	}
	logger.Info("gateway stopped")
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
