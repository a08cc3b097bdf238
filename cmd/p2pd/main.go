package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Shijas786/p2p-kerala/internal/config"
	"github.com/Shijas786/p2p-kerala/internal/handlers"
	"github.com/Shijas786/p2p-kerala/internal/notifier"
	"github.com/Shijas786/p2p-kerala/internal/rate"
	"github.com/Shijas786/p2p-kerala/internal/service"
	"github.com/Shijas786/p2p-kerala/internal/settlement"
	"github.com/Shijas786/p2p-kerala/internal/storage"
	"github.com/Shijas786/p2p-kerala/internal/sweeper"
	"github.com/Shijas786/p2p-kerala/internal/wallet"
	"github.com/Shijas786/p2p-kerala/libs/apikey"
	"github.com/Shijas786/p2p-kerala/libs/health"
	"github.com/Shijas786/p2p-kerala/libs/httpmiddleware"
	"github.com/Shijas786/p2p-kerala/libs/kafka"
	"github.com/Shijas786/p2p-kerala/libs/logging"
	"github.com/Shijas786/p2p-kerala/libs/metrics"
	"github.com/Shijas786/p2p-kerala/libs/trace"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
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

	svcMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	deriver, err := wallet.NewHDDeriver(cfg.Wallet.MasterSeedHex, cfg.Wallet.ChainPrefix)
	if err != nil {
		logger.Error("wallet deriver init failed", "error", err)
		os.Exit(1)
	}

	gateway := settlement.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.BearerToken, cfg.Gateway.Timeout)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger,
		kafka.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter, cfg.Notifier.DLQMaxAttempts))
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()

	topics := service.Topics{
		OrdersCreated:     cfg.Kafka.Topics.OrdersCreated,
		OrdersCancelled:   cfg.Kafka.Topics.OrdersCancelled,
		OrdersExpired:     cfg.Kafka.Topics.OrdersExpired,
		TradesStarted:     cfg.Kafka.Topics.TradesStarted,
		TradesPaymentSent: cfg.Kafka.Topics.TradesPaymentSent,
		TradesCompleted:   cfg.Kafka.Topics.TradesCompleted,
		TradesDisputed:    cfg.Kafka.Topics.TradesDisputed,
		TradesResolved:    cfg.Kafka.Topics.TradesResolved,
	}

	minTrade, err := decimal.NewFromString(cfg.Trade.MinTradeAmount)
	if err != nil {
		logger.Error("invalid minimum trade amount", "value", cfg.Trade.MinTradeAmount)
		os.Exit(1)
	}

	userSvc := service.NewUserService(store, deriver, gateway, logger, svcMetrics)
	orderSvc := service.NewOrderService(store, gateway, publisher, logger, svcMetrics, topics, cfg.Sweep.OrderTTL)
	tradeSvc := service.NewTradeService(store, gateway, publisher, logger, svcMetrics, topics,
		cfg.Trade.AutoReleaseTimeout, cfg.Trade.LockTimeoutSeconds, minTrade)

	ordersLimiter, tradesLimiter := buildLimiters(cfg, logger)

	handler := handlers.New(userSvc, orderSvc, tradeSvc, logger, []byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, handlers.RouteConfig{
		AdminKeyHash:   cfg.Admin.APIKeyHash,
		AdminWhitelist: parseWhitelist(cfg.Admin.IPWhitelist, logger),
		OrdersLimiter:  ordersLimiter,
		TradesLimiter:  tradesLimiter,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	webhookSender := notifier.NewWebhookSender(cfg.Notifier.WebhookSecret, cfg.Notifier.WebhookTimeout)
	eventNotifier := notifier.New(store, webhookSender, logger)

	sweep := sweeper.New(context.Background(), orderSvc, tradeSvc, logger)
	if err := sweep.Register(sweeper.Config{
		ExpireSchedule:      cfg.Sweep.ExpireSchedule,
		AutoReleaseSchedule: cfg.Sweep.AutoReleaseSchedule,
	}); err != nil {
		logger.Error("sweeper schedule invalid", "error", err)
		os.Exit(1)
	}
	sweep.Start()
	defer sweep.Stop()

	ready.SetReady(true)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		logger.Info("p2pd http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	notifyTopics := []string{
		topics.OrdersCreated, topics.OrdersCancelled, topics.OrdersExpired,
		topics.TradesStarted, topics.TradesPaymentSent, topics.TradesCompleted,
		topics.TradesDisputed, topics.TradesResolved,
	}
	go func() {
		logger.Info("p2pd notifier starting", "topics", notifyTopics)
		if err := consumerGroup.Consume(consumerCtx, notifyTopics, eventNotifier); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, consumerCancel, logger)
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

// buildLimiters prefers redis so limits hold across replicas, falling back to
// per-process memory limiters when redis is unreachable at boot.
func buildLimiters(cfg *config.Config, logger *slog.Logger) (rate.Limiter, rate.Limiter) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-memory rate limits", "addr", cfg.Redis.Addr, "error", err)
		_ = client.Close()
		return rate.NewMemory(cfg.Rate.OrdersPerWindow, cfg.Rate.Window),
			rate.NewMemory(cfg.Rate.TradesPerWindow, cfg.Rate.Window)
	}

	return rate.NewRedisLimiter(client, cfg.Rate.OrdersPerWindow, cfg.Rate.Window, "p2p:rl:orders:"),
		rate.NewRedisLimiter(client, cfg.Rate.TradesPerWindow, cfg.Rate.Window, "p2p:rl:trades:")
}

func parseWhitelist(raw string, logger *slog.Logger) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var entries []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}
	if err := apikey.ValidateIPWhitelist(entries); err != nil {
		logger.Error("admin ip whitelist invalid, ignoring", "error", err)
		return nil
	}
	return entries
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
