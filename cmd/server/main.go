package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-engine/config"
	"fulfillment-engine/internal/api"
	"fulfillment-engine/internal/broker"
	"fulfillment-engine/internal/carrier"
	"fulfillment-engine/internal/payment"
	"fulfillment-engine/internal/redisclient"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"
	"fulfillment-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment engine")

	tp, err := util.InitTracer(util.TracingConfig{
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		Environment:    cfg.Server.Env,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	paymentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents)
	defer paymentProducer.Close()
	logger.Info("Kafka producers initialized")

	gateway, err := newGateway(cfg.Payment)
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}

	tracker := newTracker(cfg.Carrier)
	var cache service.TrackingCache = redisClient.TrackingCache()
	if cfg.Carrier.CacheBackend == "postgres" {
		cache = store.NewTrackingCache(db)
	}
	tracking := service.NewTrackingService(tracker, cache, db, cfg.Carrier.CacheTTL)

	manager := service.NewOrderLifecycleManager(
		db,
		service.NewInventoryReservation(),
		gateway,
		broker.NewNotificationPublisher(notificationProducer),
		service.Config{
			ChannelID:          cfg.Business.ChannelID,
			Currency:           cfg.Payment.Currency,
			CarrierName:        tracker.CarrierName(),
			IdempotencyLockTTL: cfg.Business.IdempotencyLockTTL,
		},
		service.WithLocker(redisClient),
		service.WithTrackingService(tracking),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, manager, redisClient, 72*time.Hour)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			logger.Error("Payment worker error", zap.Error(err))
		}
	}()

	syncJob := worker.NewTrackingSyncJob(
		service.NewTrackingSync(db, tracking, manager, 0),
		cfg.Business.TrackingSyncSpec,
		10*time.Minute,
	)
	if err := syncJob.Start(); err != nil {
		logger.Fatal("Failed to start tracking sync job", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	paymentPublisher := broker.NewPaymentEventPublisher(paymentProducer)
	handler := api.NewHandler(
		manager,
		payment.NewWebhookVerifier(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance),
		paymentPublisher.PublishPaymentEvent,
		map[string]api.Pinger{"postgres": db, "redis": redisClient},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	syncJob.Stop()
	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		logger.Warn("Error stopping payment worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newGateway(cfg config.PaymentConfig) (payment.Gateway, error) {
	switch cfg.Provider {
	case "stripe":
		gw, err := payment.NewStripeGateway(cfg.APIKey, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return gw, nil
	case "http":
		return payment.NewHTTPGateway(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

// newTracker returns the live carrier client unless the static tracker is explicitly selected
func newTracker(cfg config.CarrierConfig) carrier.Tracker {
	if cfg.Mode == "static" {
		util.GetLogger().Warn("Using static carrier tracker; tracking data is canned")
		return carrier.NewStaticTracker(cfg.Name)
	}
	return carrier.NewClient(carrier.Config{
		Name:             cfg.Name,
		BaseURL:          cfg.BaseURL,
		TokenURL:         cfg.TokenURL,
		ClientID:         cfg.ClientID,
		ClientSecret:     cfg.ClientSecret,
		AuthTimeout:      cfg.AuthTimeout,
		FetchTimeout:     cfg.FetchTimeout,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		Retry: carrier.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.BackoffBase,
			Factor:      cfg.BackoffFactor,
			Cap:         cfg.BackoffCap,
		},
	})
}
