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

	"commerce-backend/config"
	"commerce-backend/internal/api"
	"commerce-backend/internal/broker"
	"commerce-backend/internal/redisclient"
	"commerce-backend/internal/service"
	"commerce-backend/internal/store"
	"commerce-backend/internal/util"
	"commerce-backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce backend")

	tp, err := util.InitTracer("commerce-backend", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	ledger := service.NewInventoryLedger(db, redisClient, eventPublisher, service.LedgerConfig{
		Strategy:             cfg.Business.InventoryStrategy,
		OptimisticMaxRetries: cfg.Business.OptimisticMaxRetries,
		LockEnabled:          cfg.Business.LockEnabled,
		LockHoldTimeout:      cfg.Business.LockHoldTimeout,
		LockWaitTimeout:      cfg.Business.LockWaitTimeout,
	})

	orderService := service.NewOrderService(db, db, ledger, eventPublisher, service.PricingConfig{
		TaxRate:               decimal.RequireFromString(cfg.Business.TaxRate),
		FreeShippingThreshold: decimal.RequireFromString(cfg.Business.FreeShippingThreshold),
		ShippingCost:          decimal.RequireFromString(cfg.Business.ShippingCost),
	})

	paymentService := service.NewPaymentService(db, orderService, eventPublisher, service.PaymentConfig{
		SuccessRate:      cfg.Business.PaymentSuccessRate,
		RetrySuccessRate: cfg.Business.PaymentRetrySuccessRate,
		MaxRetries:       cfg.Business.PaymentMaxRetries,
	}, nil)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	paymentWorker := worker.NewPaymentWorker(paymentConsumer, paymentService)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			log.Printf("Payment worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, paymentService, ledger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := paymentWorker.Stop(); err != nil {
		log.Printf("Payment worker stop error: %v", err)
	}

	log.Println("Server exited")
}
