package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"order-svc/catalog"
	"order-svc/database"
	"order-svc/gateway"
	"order-svc/handlers"
	"order-svc/kafka"
	"order-svc/middleware"
	"order-svc/payment"
	"order-svc/webhook"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation consumer",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, logger); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	store := database.NewStore(db)

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing("order-service", cfg.Tracing.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// Product cache is optional; checkout falls back to the catalog.
	var cache *catalog.RedisCache
	rdb, err := catalog.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis unavailable, product cache disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		cache = catalog.NewRedisCache(rdb, cfg.Catalog.CacheTTL)
	}

	catalogClient, err := catalog.NewClient(cfg.Catalog, cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize catalog client", zap.Error(err))
	}
	defer catalogClient.Close()

	producer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()
	publisher := kafka.NewPublisher(producer, cfg.Kafka, logger)

	gw := gateway.NewClient(cfg.Gateway, logger)
	orchestrator := payment.NewOrchestrator(store, gw, catalogClient, publisher, cfg.Payment.Currency, logger)
	refunds := payment.NewRefundWorkflow(store, gw, publisher, logger)
	queries := payment.NewQueries(store)
	resolver := payment.NewResolver(store, gw, orchestrator, cfg.Payment.RefundPendingTimeout, logger)

	verifier, err := webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
	if err != nil {
		logger.Fatal("Failed to initialize webhook verifier", zap.Error(err))
	}
	reconciler := webhook.NewReconciler(store, gw, orchestrator, publisher, logger)

	// Drain the reconciliation queue in background
	group, err := kafka.InitConsumerGroup(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer group", zap.Error(err))
	}
	defer group.Close()
	reviewConsumer := kafka.NewReviewConsumer(group, cfg.Kafka.ReconciliationTopic, resolver, logger)
	go func() {
		if err := reviewConsumer.Start(ctx); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("order-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.GET("/metrics", middleware.PrometheusHandler())

	handlers.RegisterRoutes(router,
		handlers.NewOrderHandler(orchestrator, refunds, queries, logger),
		handlers.NewWebhookHandler(verifier, reconciler, logger),
		[]byte(cfg.Auth.JWTSecret),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()
	logger.Info("Order Service REST API started", zap.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited")
	return nil
}
