package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vectorops-cmd/liveguard/internal/auth"
	"github.com/vectorops-cmd/liveguard/internal/config"
	"github.com/vectorops-cmd/liveguard/internal/handlers"
	"github.com/vectorops-cmd/liveguard/internal/history"
	"github.com/vectorops-cmd/liveguard/internal/inference"
	"github.com/vectorops-cmd/liveguard/internal/logging"
	"github.com/vectorops-cmd/liveguard/internal/repository"
	"github.com/vectorops-cmd/liveguard/internal/usecase"
	"github.com/vectorops-cmd/liveguard/internal/ws"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = godotenv.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	client := inference.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout, logger)

	hub := ws.NewHub(logger)
	go hub.Run()
	defer hub.Stop()

	recent := history.NewList(cfg.History.MaxEntries, inference.CanonicalLabel)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewDetectionUseCase(repo, cache, client, hub, recent, logger)
	uc.SetResultTTL(cfg.Redis.ResultTTL)

	primeCtx, primeCancel := context.WithTimeout(ctx, cfg.Backend.PingTimeout)
	// A cold backend just leaves the recent list empty.
	_ = uc.PrimeHistory(primeCtx, cfg.History.PrefetchLimit)
	primeCancel()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, uc, client, hub, authMiddleware, logger)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("liveguard gateway listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("backend", cfg.Backend.BaseURL))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}
