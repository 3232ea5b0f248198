package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"steward/cmd/server/config"
	"steward/internal/admin"
	sagasdb "steward/internal/db/sagas"
	"steward/internal/gateway"
	"steward/internal/observability"
	"steward/internal/orchestrator"
	"steward/internal/realtime"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	adminCfg, err := config.LoadAdmin()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close postgres", "error", err)
		}
	}()

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := sagasdb.NewStoreWithSchema(setupCtx, db)
	cancel()
	if err != nil {
		return err
	}

	redisClient, err := buildRedisClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis", "error", err)
		}
	}()

	metrics := observability.NewMetrics(store, sagaCfg.StaleWindow)
	hub := realtime.NewHub()
	go hub.Run()

	retry := orchestrator.NoRetry()
	if sagaCfg.RetryMaxAttempts > 0 {
		retry = orchestrator.FixedBackoff(sagaCfg.RetryMaxAttempts, sagaCfg.RetryDelay)
	}

	publisher := gateway.NewRedisPublisher(redisClient, redisCfg.StreamPrefix, redisCfg.StreamMaxLen)
	notifier := orchestrator.NewFanoutNotifier(metrics, hub)
	orch := orchestrator.New(store, publisher, notifier, logger, orchestrator.Config{
		DefaultCurrency: sagaCfg.DefaultCurrency,
		Retry:           retry,
	})

	dispatcher := gateway.NewDispatcher()
	orch.Register(dispatcher)

	consumer := gateway.NewRedisConsumer(redisClient, dispatcher, logger, redisCfg.StreamPrefix, redisCfg.Group, redisCfg.Consumer)
	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(ctx)
	}()

	sweeper := orchestrator.NewSweeper(orch, metrics, logger, sagaCfg.SweepInterval, sagaCfg.StaleWindow)
	go sweeper.Run(ctx)

	adminServer := admin.NewServer(store, metrics, hub, logger)
	httpSrv := &http.Server{
		Addr:    adminCfg.Addr,
		Handler: adminServer.Router(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", adminCfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	grpcSrv := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		logger.Info("gRPC reflection enabled", "app_env", env)
	}
	grpcErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC health endpoint listening", "addr", grpcCfg.Addr)
		grpcErr <- grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-consumerErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case err := <-httpErr:
		return err
	case err := <-grpcErr:
		return err
	}
}
