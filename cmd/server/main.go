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
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/meetsmatch/notify-dispatch/internal/cache"
	"github.com/meetsmatch/notify-dispatch/internal/config"
	"github.com/meetsmatch/notify-dispatch/internal/database"
	httpserver "github.com/meetsmatch/notify-dispatch/internal/httpapi"
	"github.com/meetsmatch/notify-dispatch/internal/monitoring"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/provider"
	sentrytrack "github.com/meetsmatch/notify-dispatch/internal/sentrytrack"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"
	"github.com/meetsmatch/notify-dispatch/internal/webhook"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logCfg := telemetry.DefaultLogConfig()
	logCfg.Level = telemetry.LogLevel(cfg.LogLevel)
	if err := telemetry.InitGlobalLogger(logCfg); err != nil {
		log.Fatalf("logger init: %v", err)
	}
	logger := telemetry.GetGlobalLogger().WithContext(telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID()))

	if err := sentrytrack.Init(cfg); err != nil {
		logger.Warnf("sentry init failed: %v", err)
	}
	defer sentrytrack.Flush(2 * time.Second)

	otelShutdown, err := telemetry.InitializeOpenTelemetry(context.Background(), telemetry.LoadConfigFromEnv())
	if err != nil {
		logger.Warnf("opentelemetry init failed: %v", err)
	} else {
		defer otelShutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnectionFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection: %v", err)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse REDIS_URL: %v", err)
	}
	cacheSvc, err := cache.NewRedisService(&cache.RedisConfig{
		Host:     hostOf(redisOpts.Addr),
		Port:     portOf(redisOpts.Addr),
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
		PoolSize: redisOpts.PoolSize,
	})
	if err != nil {
		log.Fatalf("redis cache connection: %v", err)
	}
	defer cacheSvc.Close()

	notifCfg := notification.LoadConfig()
	repo := notification.NewPostgresRepository(db, notifCfg)

	queue, err := notification.NewRedisQueue(cfg.RedisURL, notifCfg)
	if err != nil {
		log.Fatalf("notification queue connection: %v", err)
	}
	defer queue.Close()

	ingress := webhook.New(repo, queue, logger)
	if cfg.Channels.EmailEnabled {
		sendgridProvider := provider.NewSendGrid(provider.SendGridConfig{APIKey: cfg.Channels.SendGridAPIKey})
		ingress.Register("sendgrid", webhook.SendGridVerifier{Secret: os.Getenv("SENDGRID_WEBHOOK_SECRET")}, sendgridProvider)
	}
	if cfg.Channels.SMSEnabled {
		twilioProvider := provider.NewTwilio(provider.TwilioConfig{
			AccountSID: cfg.Channels.TwilioAccountSID,
			AuthToken:  cfg.Channels.TwilioAuthToken,
			FromNumber: cfg.Channels.TwilioFromNumber,
		})
		ingress.Register("twilio", webhook.TwilioVerifier{AuthToken: cfg.Channels.TwilioAuthToken}, twilioProvider)
	}

	health := monitoring.NewHealthChecker("notify-dispatch-server", os.Getenv("SERVICE_VERSION"), os.Getenv("BUILD_TIME"), os.Getenv("COMMIT_HASH"))
	health.RegisterDatabaseCheck("database", db.DB)
	health.RegisterRedisCheck("cache", cacheSvc)
	health.RegisterCustomCheck("queue", func() monitoring.ComponentHealth {
		start := time.Now()
		stats, err := queue.Stats(context.Background())
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return monitoring.ComponentHealth{Status: monitoring.HealthStatusUnhealthy, Message: err.Error(), Latency: &latency, LastChecked: time.Now()}
		}
		return monitoring.ComponentHealth{
			Status:      monitoring.HealthStatusHealthy,
			Message:     "queue reachable",
			Latency:     &latency,
			LastChecked: time.Now(),
			Details:     map[string]interface{}{"pending": stats.PendingCount, "delayed": stats.DelayedCount, "dlq": stats.DLQCount},
		}
	})
	health.RunChecks()

	otelMiddleware, err := monitoring.NewOTelMiddleware()
	if err != nil {
		logger.Warnf("otel middleware init failed: %v", err)
	}

	srv := httpserver.New(httpserver.Config{
		Repo:    repo,
		Ingress: ingress,
		Health:  health,
		OTel:    otelMiddleware,
		WebhookExtractors: map[string]func([]byte) ([]webhook.CallbackEvent, error){
			"sendgrid": extractSendGridEvents,
			"twilio":   extractTwilioEvents,
		},
	})

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("http shutdown error: %v", err)
		}
		logger.Info("graceful shutdown completed")
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	}
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func portOf(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			return port
		}
	}
	return 0
}
