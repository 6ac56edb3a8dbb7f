package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/obsync/libs/health"
	"github.com/AfshinJalili/obsync/libs/httpmiddleware"
	"github.com/AfshinJalili/obsync/libs/kafka"
	"github.com/AfshinJalili/obsync/libs/logging"
	"github.com/AfshinJalili/obsync/libs/metrics"
	"github.com/AfshinJalili/obsync/libs/trace"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/api"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/cache"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/config"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/consumer"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/handlers"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/notify"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/refresher"
	"github.com/AfshinJalili/obsync/services/orderbook-sync/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewFileLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env, logging.FileOptions{
		Path:       cfg.App.LogFile.Path,
		MaxSizeMB:  cfg.App.LogFile.MaxSizeMB,
		MaxBackups: cfg.App.LogFile.MaxBackups,
		MaxAgeDays: cfg.App.LogFile.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	handlerMetrics := handlers.NewMetrics(registry)
	consumerMetrics := consumer.NewMetrics(registry)
	batcherMetrics := notify.NewBatcherMetrics(registry)
	janitorMetrics := refresher.NewJanitorMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := storage.New(pool, logger)

	redisClient, err := connectRedis(cfg)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	ready.AddCheck("postgres", store.Ping)
	ready.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	markets := refresher.NewMarketCache(store)
	blocks := refresher.NewBlockHeightCache(store)
	loadCtx, loadCancel := context.WithTimeout(rootCtx, 10*time.Second)
	if err := markets.Load(loadCtx); err != nil {
		loadCancel()
		logger.Error("perpetual market load failed", "error", err)
		os.Exit(1)
	}
	if err := blocks.Load(loadCtx); err != nil {
		loadCancel()
		logger.Error("block height load failed", "error", err)
		os.Exit(1)
	}
	loadCancel()
	markets.StartAutoRefresh(rootCtx, cfg.Refresh.MarketInterval, metrics.NewRefreshRecorder("perpetual_markets"), logger)
	blocks.StartAutoRefresh(rootCtx, cfg.Refresh.BlockHeightInterval, metrics.NewRefreshRecorder("block_height"), logger)

	ordersCache := cache.NewOrdersCache(redisClient)
	levelsCache := cache.NewOrderbookLevelsCache(redisClient)
	canceledCache := cache.NewCanceledOrdersCache(redisClient, cfg.Cache.CanceledOrderTTL)
	openOrdersCache := cache.NewOpenOrdersCache(redisClient)
	stateFilledCache := cache.NewStateFilledQuantumsCache(redisClient)
	deferredCache := cache.NewStatefulOrderUpdatesCache(redisClient)

	janitor := &refresher.Janitor{
		Canceled:          canceledCache,
		Updates:           deferredCache,
		Levels:            levelsCache,
		Tickers:           markets,
		StatefulUpdateTTL: cfg.Cache.StatefulUpdateTTL,
		Metrics:           janitorMetrics,
		Logger:            logger,
	}
	janitor.Start(rootCtx, cfg.Cache.JanitorInterval)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	batcher := notify.NewBatcher(producer, notify.BatcherOptions{
		MaxBatchMessages: cfg.Batch.MaxMessages,
		MaxQueueMessages: cfg.Batch.MaxQueueMessages,
		FlushInterval:    cfg.Batch.FlushInterval,
	}, logger, batcherMetrics)
	batcher.Start(rootCtx)

	handlerSet := handlers.NewSet(&handlers.Deps{
		Orders:      ordersCache,
		Levels:      levelsCache,
		Canceled:    canceledCache,
		OpenOrders:  openOrdersCache,
		StateFilled: stateFilledCache,
		Deferred:    deferredCache,
		Markets:     markets,
		Blocks:      blocks,
		Store:       store,
		Flags: handlers.Flags{
			SendSubaccountMessagesForStatefulOrders:       cfg.Flags.SendSubaccountMessagesForStatefulOrders,
			SendSubaccountMessagesForCancelsMissingOrders: cfg.Flags.SendSubaccountMessagesForCancelsMissingOrders,
		},
		Metrics: handlerMetrics,
		Logger:  logger,
	})
	dispatcher := consumer.NewDispatcher(handlerSet, batcher, consumer.Topics{
		Subaccounts:     cfg.Kafka.Topics.Subaccounts,
		Orderbooks:      cfg.Kafka.Topics.Orderbooks,
		OffChainUpdates: cfg.Kafka.Topics.OffChainUpdates,
	}, consumerMetrics, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).
		WithRetry(cfg.Kafka.Retry.MaxAttempts, cfg.Kafka.Retry.Window, cfg.Kafka.Retry.Backoff)
	defer consumerGroup.Close()

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	debugAPI := &api.Handler{
		Levels:      levelsCache,
		Orders:      ordersCache,
		Canceled:    canceledCache,
		OpenOrders:  openOrdersCache,
		StateFilled: stateFilledCache,
		Markets:     markets,
		Logger:      logger,
	}
	httpServer := buildHTTPServer(cfg, ready, registry, debugAPI, logger)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	ready.SetReady(true)

	go func() {
		logger.Info("orderbook-sync grpc health starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("orderbook-sync http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	consumerCtx, consumerCancel := context.WithCancel(rootCtx)
	defer consumerCancel()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		logger.Info("orderbook-sync consumer starting", "topic", cfg.Kafka.Topics.OffChainUpdates)
		if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.OffChainUpdates}, dispatcher); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(cfg, grpcServer, healthServer, httpServer, ready, consumerCancel, consumerDone, batcher, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func connectRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, debugAPI *api.Handler, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, "/healthz", "/readyz", cfg.App.MetricsPath))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	debugAPI.Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

// waitForShutdown stops consuming first so no new notifications are queued,
// then drains the batcher before tearing down the servers.
func waitForShutdown(cfg *config.Config, grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, consumerDone <-chan struct{}, batcher *notify.Batcher, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	select {
	case <-consumerDone:
	case <-ctx.Done():
		logger.Warn("consumer did not stop before timeout")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Batch.DrainTimeout)
	if err := batcher.Close(drainCtx); err != nil {
		logger.Error("notification drain failed", "error", err, "pending", batcher.Pending())
	}
	cancelDrain()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
