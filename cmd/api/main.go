package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"masthead/internal/ai"
	"masthead/internal/app"
	"masthead/internal/audit"
	"masthead/internal/config"
	"masthead/internal/email"
	"masthead/internal/export"
	"masthead/internal/logger"
	"masthead/internal/notify"
	"masthead/internal/preview"
	"masthead/internal/scheduler"
	"masthead/internal/search"
	"masthead/internal/session"
	"masthead/internal/store"
	"masthead/internal/version"
	"masthead/internal/workflow"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

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

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logg.Fatalw("migrations failed", "error", err)
	}

	st := store.New(db)
	sink := audit.NewStoreSink(st, logg)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logg)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logg)
	searchService.ReindexPublished(ctx)

	// Webhook deliveries go through the Redis queue when one is configured;
	// without Redis they run inline from the mutating request.
	deliverer := notify.NewDeliverer(st, cfg.WebhookTimeout, logg)
	var notifier notify.Dispatcher
	var redisSessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logg.Fatalw("redis connection failed", "error", err)
		}
		defer redisSessions.Close()

		connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			logg.Fatalw("redis queue config invalid", "error", err)
		}
		queueClient := asynq.NewClient(connOpt)
		defer queueClient.Close()
		notifier = notify.NewQueueDispatcher(queueClient, logg)
		logg.Infow("webhook deliveries queued through redis")
	} else {
		notifier = notify.NewInlineDispatcher(deliverer, cfg.WebhookTimeout, logg)
		logg.Infow("webhook deliveries run inline, set REDIS_URL to queue them")
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var assistClient ai.Client = ai.Disabled{}
	if strings.TrimSpace(cfg.AIEndpoint) != "" {
		assistClient = ai.NewHTTPClient(cfg.AIEndpoint, cfg.AIKey, cfg.AITimeout)
	}

	versions := version.New(st, sink, logg)
	workflows := workflow.New(st, versions, searchService, notifier, sink, logg)
	schedules := scheduler.New(st, workflows, versions, searchService, notifier, sink, logg)
	previews := preview.New(st, mail, notifier, sink, cfg.LinkBase, logg)
	assist := ai.New(st, ai.NewMetered(assistClient, st, logg), logg)
	exports := export.New(st)

	opts := app.Options{
		Store:            st,
		Versions:         versions,
		Workflows:        workflows,
		Schedules:        schedules,
		Previews:         previews,
		Search:           searchService,
		Assist:           assist,
		Exports:          exports,
		Audit:            sink,
		TokenSecret:      cfg.TokenSecret,
		AccessTTL:        cfg.AccessTTL,
		ViewerSessionTTL: cfg.ViewerSessionTTL,
		Log:              logg,
	}
	// Left nil, viewer sessions degrade to per-request credential checks.
	if redisSessions != nil {
		opts.Sessions = redisSessions
	}
	service := app.New(opts)

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	poller := scheduler.NewPoller(schedules, cfg.SchedulerInterval, cfg.SchedulerBatch, logg)
	go poller.Run(pollCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logg)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logg.Infow("masthead api listening", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatalw("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopPoller()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("shutdown error", "error", err)
	}
}
