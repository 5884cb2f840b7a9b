// The worker drains the webhook delivery queue. It shares config and the
// subscription store with the api binary but serves no HTTP traffic.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"

	"masthead/internal/config"
	"masthead/internal/logger"
	"masthead/internal/notify"
	"masthead/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Fatalf("REDIS_URL is required for the delivery worker")
	}

	logg, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logg.Sync()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logg.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	st := store.New(db)
	deliverer := notify.NewDeliverer(st, cfg.WebhookTimeout, logg)

	connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logg.Fatalw("redis queue config invalid", "error", err)
	}
	server := asynq.NewServer(connOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logg.Infow("webhook delivery worker started", "concurrency", cfg.WorkerConcurrency)
	if err := server.Run(deliverer.Handler()); err != nil {
		logg.Errorw("worker stopped", "error", err)
		os.Exit(1)
	}
}
