package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api"
	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/db"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/lock"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/metrics"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/sender"
	"github.com/notifyhub/delivery-pipeline/internal/service"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	// ---- database ----
	ctx := context.Background()
	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	checks := map[string]handler.Check{"postgres": pool.Ping}

	// ---- run coordination ----
	var locker lock.Locker
	if cfg.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close() //nolint:errcheck

		rl, err := lock.NewRedisLocker(rdb, cfg.RunLockTTL, cfg.RunLockOwner)
		if err != nil {
			logger.Fatal("failed to create run locker", zap.Error(err))
		}
		locker = rl
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("distributed run locks enabled", zap.Duration("ttl", cfg.RunLockTTL))
	}

	// ---- transports ----
	emailTransport, err := newEmailTransport(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to configure email transport", zap.Error(err))
	}
	pushTransport := sender.NewWebPushTransport(vapidConfig(cfg, logger))
	senders := sender.NewRegistry(
		sender.NewEmailSender(emailTransport),
		sender.NewPushSender(pushTransport),
	)

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hooks := m.WorkerHooks()

	deliveries := repository.NewPgDeliveryRepository(pool)
	devices := repository.NewPgDeviceRepository(pool)
	statuses := repository.NewPgStatusRepository(pool)
	svc := service.NewDeliveryService(deliveries, devices, statuses, logger)

	reconciler := worker.NewReconciler(deliveries, devices, statuses, logger, hooks.OnDevicePruned)
	runner := worker.NewRunner(
		worker.NewDispatcher(deliveries),
		senders,
		reconciler,
		ratelimiter.New(cfg.RateLimit),
		locker,
		worker.RunnerConfig{
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.WorkerConcurrency,
			ItemTimeout: cfg.ItemTimeout,
		},
		logger,
		hooks,
	)

	// ---- background loops ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	loops := worker.NewPool(
		worker.NewSchedulerWorker(runner, domain.ChannelEmail, cfg.EmailQueueInterval, logger),
		worker.NewSchedulerWorker(runner, domain.ChannelPush, cfg.PushQueueInterval, logger),
		worker.NewRetryWorker(deliveries, statuses, worker.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff,
			Lease:      cfg.ProcessingLease,
		}, cfg.RetryInterval, logger, hooks),
	)
	loops.Start(workerCtx)

	// ---- HTTP server ----
	router := api.NewRouter(svc, runner, checks, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the schedulers and the retry worker. A run already in flight
	// finishes its items; rows it never reached are recovered by the lease sweep.
	cancelWorkers()
	loops.Wait()

	logger.Info("server stopped cleanly")
}

func newEmailTransport(ctx context.Context, cfg *config.Config) (sender.EmailTransport, error) {
	if cfg.EmailProvider == config.EmailProviderHTTP {
		return sender.NewHTTPEmailTransport(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom, cfg.EmailAPITimeout), nil
	}
	return sender.NewSESTransportFromEnv(ctx, cfg.AWSRegion, cfg.EmailFrom)
}

// vapidConfig falls back to a throwaway key pair when none is configured.
// Subscriptions are bound to the public key, so such a process can only
// reach browsers that subscribed against it.
func vapidConfig(cfg *config.Config, logger *zap.Logger) sender.WebPushConfig {
	wc := sender.WebPushConfig{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
		TTL:             cfg.PushTTL,
		Timeout:         cfg.PushTimeout,
	}
	if wc.VAPIDPrivateKey != "" && wc.VAPIDPublicKey != "" {
		return wc
	}

	priv, pub, err := sender.GenerateVAPIDKeys()
	if err != nil {
		logger.Fatal("failed to generate VAPID keys", zap.Error(err))
	}
	wc.VAPIDPrivateKey, wc.VAPIDPublicKey = priv, pub
	logger.Warn("VAPID keys not configured, using an ephemeral pair", zap.String("public_key", pub))
	return wc
}
