// Package main is the entry point for the dispatch worker service: the
// Provider Selector, Degradation Controller, Dispatcher, Event Ingress
// consumer, outbox publisher, and scheduled DLQ/cleanup jobs all run here.
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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/meetsmatch/notify-dispatch/internal/breaker"
	"github.com/meetsmatch/notify-dispatch/internal/cache"
	"github.com/meetsmatch/notify-dispatch/internal/compliance"
	"github.com/meetsmatch/notify-dispatch/internal/config"
	"github.com/meetsmatch/notify-dispatch/internal/database"
	"github.com/meetsmatch/notify-dispatch/internal/degradation"
	"github.com/meetsmatch/notify-dispatch/internal/dispatch"
	"github.com/meetsmatch/notify-dispatch/internal/eventbus"
	"github.com/meetsmatch/notify-dispatch/internal/jobs"
	"github.com/meetsmatch/notify-dispatch/internal/notification"
	"github.com/meetsmatch/notify-dispatch/internal/provider"
	"github.com/meetsmatch/notify-dispatch/internal/ratelimit"
	"github.com/meetsmatch/notify-dispatch/internal/retry"
	"github.com/meetsmatch/notify-dispatch/internal/selector"
	"github.com/meetsmatch/notify-dispatch/internal/telemetry"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting notify-dispatch worker service...")

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

	breakers := breaker.NewRegistry(func(name string, from, to gobreaker.State) {
		logger.Infof("breaker %s: %s -> %s", name, from, to)
	})

	sel := selector.New(breakers, logger)
	registerProviders(sel, cfg)

	gate := compliance.NewGate(repo)
	limiterClient := redis.NewClient(redisOpts)
	defer limiterClient.Close()
	limiter := ratelimit.New(limiterClient, ratelimit.DefaultConfig(), logger)
	retryEngine := retry.NewEngine()

	degradationCtl := degradation.New(
		sel,
		func(ctx context.Context) error { return db.Health() },
		func(ctx context.Context) error {
			if !cacheSvc.HealthCheck() {
				return errors.New("redis cache unhealthy")
			}
			return nil
		},
		func(ctx context.Context) error {
			_, err := queue.Stats(ctx)
			return err
		},
		logger,
	)
	probeCtx, cancelProbes := context.WithCancel(context.Background())
	defer cancelProbes()
	go degradationCtl.RunProbes(probeCtx)
	go sel.RunHealthProbes(probeCtx)

	dispatchCfg := dispatch.Config{
		Concurrency:         cfg.DispatchWorkers,
		BatchSize:           25,
		DelayedPollInterval: time.Second,
		ChannelConcurrency: map[notification.Channel]int{
			notification.ChannelEmail: cfg.Channels.EmailConcurrency,
			notification.ChannelSMS:   cfg.Channels.SMSConcurrency,
			notification.ChannelPush:  cfg.Channels.PushConcurrency,
		},
	}
	dispatcher := dispatch.New(repo, queue, gate, limiter, sel, breakers, retryEngine, degradationCtl, logger, dispatchCfg)

	outboxPublisher := jobs.NewOutboxPublisher(repo, queue, 500*time.Millisecond, logger)

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	enricher := eventbus.NewRecipientEnricher(db.DB)
	consumer := eventbus.New(eventbus.Config{
		URL:      cfg.QueueURL,
		Exchange: "notify.events",
		Queue:    "notify.events.dispatch",
		DLQ:      "notify.events.dlq",
		BindKeys: []string{"event.*"},
		Prefetch: cfg.EventConsumers * 4,
		Tag:      "notify-dispatch-worker",
	}, repo, cacheSvc, enricher, zl)

	scheduler, err := jobs.NewScheduler(cfg.RedisURL, cfg.DLQProcessorSchedule, cfg.CleanupSchedule)
	if err != nil {
		log.Fatalf("scheduler init: %v", err)
	}

	worker, err := jobs.NewWorker(cfg.RedisURL, cfg.DispatchWorkers)
	if err != nil {
		log.Fatalf("asynq worker init: %v", err)
	}
	worker.RegisterHandler(jobs.TypeDLQProcessor, jobs.NewDLQProcessorHandler(repo, queue, logger))
	worker.RegisterHandler(jobs.TypeCleanup, jobs.NewCleanupHandler(repo, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := startHealthServer(os.Getenv("HEALTH_PORT"), worker)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("starting dispatcher")
		if err := dispatcher.Start(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		outboxPublisher.Start(groupCtx)
		return nil
	})

	group.Go(func() error {
		logger.Info("starting event ingress consumer")
		if err := consumer.Start(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("starting scheduler")
		if err := scheduler.Run(); err != nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		logger.Info("starting asynq worker")
		if err := worker.Run(); err != nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down worker service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("health server shutdown error: %v", err)
		}
		dispatcher.Stop()
		outboxPublisher.Stop()
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Errorf("consumer shutdown error: %v", err)
		}
		scheduler.Shutdown()
		worker.Shutdown()

		logger.Info("worker service stopped")
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Errorf("worker error: %v", err)
		os.Exit(1)
	}
}

// registerProviders wires one primary provider per enabled channel into the
// selector, plus APNS as push's backup whenever FCM is also configured
// (spec §4.1: "providers may be configured in primary/backup pairs").
func registerProviders(sel *selector.Selector, cfg config.Config) {
	ch := cfg.Channels
	if ch.EmailEnabled {
		sel.Register(provider.NewSendGrid(provider.SendGridConfig{APIKey: ch.SendGridAPIKey}), 0)
	}
	if ch.SMSEnabled {
		sel.Register(provider.NewTwilio(provider.TwilioConfig{
			AccountSID: ch.TwilioAccountSID,
			AuthToken:  ch.TwilioAuthToken,
			FromNumber: ch.TwilioFromNumber,
		}), 0)
	}
	if ch.PushEnabled {
		if ch.FCMServerKey != "" {
			sel.Register(provider.NewFCM(provider.FCMConfig{ServerKey: ch.FCMServerKey}), 0)
		}
		if ch.APNSKeyID != "" && ch.APNSTeamID != "" && ch.APNSAuthKey != "" {
			priority := 0
			if ch.FCMServerKey != "" {
				priority = 1 // backup behind FCM
			}
			sel.Register(provider.NewAPNS(provider.APNSConfig{
				KeyID:   ch.APNSKeyID,
				TeamID:  ch.APNSTeamID,
				AuthKey: ch.APNSAuthKey,
			}), priority)
		}
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port string, worker *jobs.Worker) *http.Server {
	if port == "" {
		port = "8081"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if worker.IsHealthy() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		}
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("health server listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()

	return server
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
			var p int
			for _, c := range addr[i+1:] {
				if c < '0' || c > '9' {
					break
				}
				p = p*10 + int(c-'0')
			}
			return p
		}
	}
	return port
}
