// Package main is the entry point for the flowplane job scheduler daemon.
// It polls for due jobs, claims them through lock leases and executes the
// engine's handlers: timers, async continuations, deferred suspension
// cascades and task timeouts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"flowplane/internal/config"
	"flowplane/internal/engine/suspension"
	"flowplane/internal/engine/task"
	"flowplane/internal/logger"
	"flowplane/internal/observability"
	"flowplane/internal/scheduler"
	"flowplane/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := postgres.Migrate(db.DB()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slogger.Info("metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slogger.Error("metrics server error", "error", err)
		}
	}()

	coordinator := suspension.NewCoordinator(slogger)
	controller := task.NewController(task.NewRegistry(), task.NewEventLog())
	registry := scheduler.NewRegistry()
	scheduler.RegisterDefaultHandlers(registry, coordinator, controller, slogger)

	s := scheduler.New(db, registry, scheduler.Config{
		LockDuration:    cfg.LockDuration,
		PollInterval:    cfg.SchedulerPollInterval,
		MaxBackoff:      cfg.SchedulerMaxBackoff,
		Concurrency:     cfg.SchedulerConcurrency,
		AcquisitionRate: rate.Limit(cfg.AcquisitionRate),
		Backoff:         scheduler.ExponentialBackoff,
	}, slogger)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogger.Info("shutting down scheduler")
	cancel()

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Scheduler exited: %v", err)
	}
}
