package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"confessions/bot/internal/analytics"
	"confessions/bot/internal/app"
	"confessions/bot/internal/config"
	"confessions/bot/internal/logger"
	"confessions/bot/internal/metrics"
	"confessions/bot/internal/notify"
	"confessions/bot/internal/retention"
	"confessions/bot/internal/retry"
	"confessions/bot/internal/search"
	"confessions/bot/internal/session"
	"confessions/bot/internal/store"
	"confessions/bot/internal/telegram"
)

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(cfg.BotToken) == "" {
		fatal("config_invalid", errors.New("BOT_TOKEN is required"))
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPool)
	if err != nil {
		fatal("database_connect_failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		fatal("migrations_failed", err)
	}
	dataStore := store.NewPostgresStore(db)

	m := metrics.New()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var sessionStore session.Store
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTimeout)
		if err != nil {
			fatal("redis_connect_failed", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
		redisClient = redisStore.Client()
		slog.Info("session_store_selected", "backend", "redis")
	} else {
		sessionStore = session.NewMemoryStore()
		slog.Info("session_store_selected", "backend", "memory")
	}
	sessions := session.NewTracker(sessionStore, cfg.SessionTimeout)

	client, err := telegram.NewClient(cfg.BotToken, cfg.ChannelID)
	if err != nil {
		fatal("telegram_connect_failed", err)
	}

	// The dispatcher resolves admins through the service built after it.
	var service *app.Service
	admins := notify.AdminSourceFunc(func(ctx context.Context) ([]int64, error) {
		return service.AdminRecipients(ctx)
	})
	dispatcher := notify.NewDispatcher(client, client, admins, m)
	service = app.New(cfg, dataStore, client, dispatcher, app.WithSearch(searchService), app.WithMetrics(m))
	if err := service.Bootstrap(ctx); err != nil {
		slog.Warn("bootstrap_failed", "error", err)
	}
	go searchService.ReindexAll(ctx)

	tracker := analytics.New(dataStore, redisClient, analytics.BestEffort(retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Factor:       cfg.RetryFactor,
		Classify:     store.IsTransient,
	}))
	handler := telegram.NewHandler(service, client, sessions, tracker)

	var webhook http.Handler
	// polling is closed once no update can emit events any more.
	polling := make(chan struct{})
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		close(polling)
		if err := client.RegisterWebhook(cfg.WebhookURL, cfg.WebhookSecret); err != nil {
			fatal("telegram_webhook_failed", err)
		}
		webhook = handler.WebhookHandler(cfg.WebhookSecret)
		slog.Info("telegram_webhook_registered", "url", cfg.WebhookURL)
	} else {
		go func() {
			defer close(polling)
			if err := handler.Poll(ctx); err != nil {
				slog.Error("telegram_polling_failed", "error", err)
			}
		}()
	}

	scheduler, err := retention.New(dataStore, retention.Config{
		Cron: cfg.RetentionCron,
		Keep: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		fatal("retention_config_invalid", err)
	}
	go scheduler.Start(ctx)
	go sessions.Run(ctx, cfg.SessionSweepEvery)

	httpServer := app.NewHTTPServer(service, webhook)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("http_listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http_server_failed", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown_started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http_shutdown_failed", "error", err)
	}
	<-polling
	dispatcher.Wait()
	slog.Info("shutdown_complete")
}
