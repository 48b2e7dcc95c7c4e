// Command tunnelbroker runs the file-tunnel broker: it terminates content
// servers' long-lived WebSocket connections, accepts clients' HTTP POSTs,
// and relays between them (spec §1-§9). Graceful shutdown follows the
// signal.Notify/context.WithCancel pattern used by the overhuman daemon.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emryslou/filetunnel/internal/broker"
	"github.com/emryslou/filetunnel/internal/config"
	"github.com/emryslou/filetunnel/internal/httpapi"
	"github.com/emryslou/filetunnel/internal/janitor"
	"github.com/emryslou/filetunnel/internal/metrics"
	"github.com/emryslou/filetunnel/internal/wsapi"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := broker.NewBasicLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Log(broker.LogLevelInfo, "received shutdown signal")
		cancel()
	}()

	registry := broker.NewRegistry(logger)

	j := janitor.New(registry, logger, cfg.JanitorInterval)
	go j.Run()
	defer j.Stop()

	if cfg.MetricsAddr != "" {
		go runMetricsServer(ctx, cfg.MetricsAddr, logger)
	}

	httpHandler := httpapi.NewHandler(registry, logger)
	httpHandler.ReplyDeadline = cfg.ClientDeadline
	httpHandler.EnqueueBudget = cfg.EnqueueBudget

	wsHandler := wsapi.NewHandler(registry, logger)
	wsHandler.Collision = cfg.Collision

	mux := http.NewServeMux()
	httpHandler.Routes(mux)
	wsHandler.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log(broker.LogLevelWarn, "http server shutdown error", "err", err)
		}
	}()

	logger.Log(broker.LogLevelInfo, "tunnel broker listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log(broker.LogLevelError, "http server error", "err", err)
		os.Exit(1)
	}
}

// runMetricsServer serves Prometheus metrics on a separate listener, kept
// off the public mux the same way the h3ws2h1ws proxy isolates /metrics.
func runMetricsServer(ctx context.Context, addr string, logger broker.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Log(broker.LogLevelInfo, "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log(broker.LogLevelWarn, "metrics server error", "err", err)
	}
}
