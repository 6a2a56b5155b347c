package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/travel-booking/internal/adapter/gateway"
	"github.com/rl1809/travel-booking/internal/adapter/handler"
	"github.com/rl1809/travel-booking/internal/adapter/messaging"
	"github.com/rl1809/travel-booking/internal/adapter/storage"
	"github.com/rl1809/travel-booking/internal/config"
	"github.com/rl1809/travel-booking/internal/core/service"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
	"github.com/rl1809/travel-booking/internal/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("server exited with error")
	}
	logger.Ctx(ctx).Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	tp, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Msg("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		return err
	}

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return err
	}
	auditRepo := storage.NewGormAuditRepository(gdb)
	if err := auditRepo.AutoMigrate(ctx); err != nil {
		return err
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 100,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Msg("connected to redis")

	// Kafka
	notificationWriter := messaging.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
	defer notificationWriter.Close()
	reviewWriter := messaging.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.ReviewTopic)
	defer reviewWriter.Close()
	reviewReader := messaging.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ReviewTopic, cfg.Kafka.ReviewGroupID)
	defer reviewReader.Close()

	// Services
	locks := service.NewLockService(storage.NewRedisAdapter(rdb), mysqlAdapter, cfg.Lock.TTL, cfg.Lock.CounterTTL)
	bookings := service.NewBookingService(service.BookingDependencies{
		Locks:    locks,
		Bookings: mysqlAdapter,
		Payments: mysqlAdapter,
		Refunds:  auditRepo,
		Gateway:  gateway.NewRazorpayClient(cfg.Gateway.BaseURL, cfg.Gateway.KeyID, cfg.Gateway.KeySecret, cfg.Gateway.Timeout),
		Currency: cfg.Gateway.DefaultCurrency,
	})
	dispatcher := service.NewNotificationDispatcher(
		messaging.NewKafkaNotifier(notificationWriter), cfg.Notification.MaxAttempts, cfg.Notification.Backoff)
	defer dispatcher.Wait()

	webhooks := service.NewWebhookService(service.WebhookDependencies{
		Secret:       cfg.Gateway.WebhookSecret,
		Bookings:     bookings,
		BookingStore: mysqlAdapter,
		Payments:     mysqlAdapter,
		Refunds:      auditRepo,
		Records:      auditRepo,
		Review:       messaging.NewKafkaReviewPublisher(reviewWriter),
		Notifier:     dispatcher,
		Policy: service.RetryPolicy{
			MaxRetries: cfg.Webhook.MaxRetries,
			Backoff:    cfg.Webhook.RetryBackoff,
			Inline:     cfg.Webhook.InlineRetry,
		},
	})
	worker := service.NewWorker(webhooks, bookings,
		cfg.Webhook.RetryPollInterval, cfg.Webhook.PendingSweepInterval, cfg.Lock.TTL)

	// Transports
	mux := http.NewServeMux()
	handler.NewHTTPHandler(bookings, webhooks).Routes(mux)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(bookings, webhooks).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Ctx(gctx).Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Ctx(gctx).Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return messaging.NewReviewConsumer(reviewReader).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Ctx(gctx).Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Ctx(gctx).Warn().Err(err).Msg("HTTP shutdown")
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
