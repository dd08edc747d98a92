package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	dynamodb_pkg "github.com/yashrajoria/cart-sync/pkg/dynamodb"
	"github.com/yashrajoria/cart-sync/services/cart-service/config"
	"github.com/yashrajoria/cart-sync/services/cart-service/controllers"
	"github.com/yashrajoria/cart-sync/services/cart-service/database"
	"github.com/yashrajoria/cart-sync/services/cart-service/kafka"
	"github.com/yashrajoria/cart-sync/services/cart-service/realtime"
	"github.com/yashrajoria/cart-sync/services/cart-service/relay"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
	"github.com/yashrajoria/cart-sync/services/cart-service/routes"
	"github.com/yashrajoria/cart-sync/services/cart-service/services"
	apperrors "github.com/yashrajoria/cart-sync/services/common/errors"
	"github.com/yashrajoria/cart-sync/services/common/logger"
	"github.com/yashrajoria/cart-sync/services/common/middleware"
	"go.uber.org/zap"
)

const serviceName = "cart-service"

func main() {
	log := logger.Initialize(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Config load failed", zap.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// --- Logging / metrics ---
	cwLogs, err := aws_pkg.NewCloudWatchLogsClient(runCtx, serviceName)
	if err != nil {
		log.Warn("CloudWatch logs client init failed (non-fatal)", zap.Error(err))
	}
	var extra io.Writer
	logsDone := make(chan struct{})
	if cwLogs.IsEnabled() {
		extra = cwLogs
		go func() {
			defer close(logsDone)
			cwLogs.Run(runCtx)
		}()
	} else {
		close(logsDone)
	}
	log = logger.InitializeWithWriter(cfg.Env, extra)
	defer func() { _ = log.Sync() }()

	metricsClient, err := aws_pkg.NewMetricsClient(runCtx)
	if err != nil {
		log.Warn("CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
	}

	// --- AWS / DynamoDB ---
	awsCfg, err := aws_pkg.LoadAWSConfigForRegion(runCtx, cfg.PrimaryRegion())
	if err != nil {
		log.Fatal("Failed to load AWS config", zap.Error(err))
	}
	region := cfg.PrimaryRegion()
	if region == "" {
		region = awsCfg.Region
	}
	ddbClient := dynamodb_pkg.NewClientFromConfig(awsCfg)

	instanceID := cfg.RelayInstanceName
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + uuid.NewString()[:8]
	}

	// --- Service wiring ---
	cartRepo := repository.NewDynamoCartRepository(ddbClient, cfg.CartsTable, log,
		repository.WithRegion(region),
		repository.WithMetrics(metricsClient),
	)
	cartService := services.NewCartService(cartRepo, log)

	hubOpts := []realtime.HubOption{
		realtime.WithSendTimeout(cfg.HubSendTimeout),
		realtime.WithHubMetrics(metricsClient),
	}
	var bridge *realtime.RedisBridge
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClient(runCtx, cfg.RedisURL)
		if err != nil {
			log.Fatal("Redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		bridge = realtime.NewRedisBridge(redisClient, cfg.RedisChannel, instanceID, log)
		hubOpts = append(hubOpts, realtime.WithForwarder(bridge))
	}
	hub := realtime.NewHub(cartService, log.With(zap.String("component", "hub")), hubOpts...)

	if bridge != nil {
		go func() {
			if err := bridge.Run(runCtx, hub); err != nil {
				log.Error("Redis bridge stopped", zap.Error(err))
			}
		}()
	}

	// --- Change relay sinks ---
	var sinks relay.MultiSink
	if !cfg.KafkaFanout {
		sinks = append(sinks, relay.PublisherSink{Publisher: hub})
	}
	switch cfg.EventSink {
	case config.SinkKafka:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sinks = append(sinks, producer)

		if cfg.KafkaFanout {
			consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "cart-sync-"+instanceID, log)
			go consumer.Run(runCtx, hub)
		}
	case config.SinkSNS:
		sinks = append(sinks, relay.NewSNSSink(aws_pkg.NewSNSClient(awsCfg), cfg.CartEventsTopicARN))
	}

	var changeRelay *relay.Relay
	if cfg.RelayEnabled {
		relayOpts := []relay.Option{
			relay.WithMetrics(metricsClient),
			relay.WithStreamResolver(func(ctx context.Context) (string, error) {
				return dynamodb_pkg.ResolveStreamARN(ctx, ddbClient, cfg.CartsTable)
			}),
		}
		if cfg.DLQQueueURL != "" {
			relayOpts = append(relayOpts, relay.WithDeadLetter(relay.NewSQSDeadLetter(aws_pkg.NewSQSQueue(awsCfg, cfg.DLQQueueURL))))
		}

		changeRelay = relay.New(relay.Config{
			ProcessorName: cfg.RelayProcessorName,
			InstanceName:  instanceID,
			StreamARN:     cfg.StreamARN,
			PollInterval:  cfg.RelayPollInterval,
			MaxItems:      cfg.RelayMaxItems,
			LeaseTTL:      cfg.RelayLeaseTTL,
		},
			dynamodb_pkg.NewStreamsClientFromConfig(awsCfg),
			relay.NewDynamoLeaseStore(ddbClient, cfg.LeasesTable),
			sinks,
			log,
			relayOpts...,
		)

		startCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		if err := changeRelay.Start(startCtx); err != nil {
			// Direct-path updates keep working; /health reports the relay error
			log.Error("Change relay not running", zap.Error(err))
		}
		cancel()
	}

	// --- HTTP router ---
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.MetricsMiddleware(metricsClient, serviceName))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.RateLimitMiddleware(runCtx, cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	r.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	r.Use(apperrors.ErrorMiddleware())

	var relayStatus controllers.RelayStatus
	if changeRelay != nil {
		relayStatus = changeRelay
	}
	cartController := controllers.NewCartController(cartService, hub, log)
	realtimeController := controllers.NewRealtimeController(runCtx, hub, relayStatus, middleware.OriginChecker(cfg.AllowedOrigins), log)
	routes.RegisterCartRoutes(r, cartController)
	routes.RegisterRealtimeRoutes(r, realtimeController)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Info("Cart Service starting",
			zap.String("port", cfg.Port),
			zap.String("instance", instanceID),
			zap.String("region", region),
			zap.Bool("relay_enabled", cfg.RelayEnabled),
			zap.String("event_sink", cfg.EventSink),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Cart Service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if changeRelay != nil {
		if err := changeRelay.Stop(shutdownCtx); err != nil {
			log.Warn("Relay stop incomplete", zap.Error(err))
		}
	}
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Cart Service stopped gracefully")

	// Stops background consumers and flushes shipped logs
	cancelRun()
	select {
	case <-logsDone:
	case <-shutdownCtx.Done():
	}
}
