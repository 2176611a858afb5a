package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/digkill/mediaroute/internal/api"
	"github.com/digkill/mediaroute/internal/config"
	"github.com/digkill/mediaroute/internal/database"
	"github.com/digkill/mediaroute/internal/intent"
	"github.com/digkill/mediaroute/internal/ledger"
	"github.com/digkill/mediaroute/internal/orchestrator"
	"github.com/digkill/mediaroute/internal/provider"
	"github.com/digkill/mediaroute/internal/repository"
	"github.com/digkill/mediaroute/internal/resilience"
	"github.com/digkill/mediaroute/internal/selector"
	"github.com/digkill/mediaroute/internal/session"
	"github.com/digkill/mediaroute/internal/storage"
	"github.com/digkill/mediaroute/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		defer redisClient.Close()
	}

	limits := resilience.Limits{
		PerMinute:       cfg.RateLimitPerMinute,
		PerHour:         cfg.RateLimitPerHour,
		CostCeilingHour: cfg.CostCeilingPerHour,
	}
	var (
		cache    resilience.Cache
		limiter  resilience.RateLimiter
		sessions session.Store
	)
	if redisClient != nil {
		cache = resilience.NewRedisCache(redisClient, "classify:")
		limiter = resilience.NewRedisRateLimiter(redisClient, limits)
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL)
	} else {
		cache = resilience.NewMemoryCache()
		limiter = resilience.NewMemoryRateLimiter(limits)
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		Cooldown:          cfg.BreakerCooldown,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
		CallTimeout:       cfg.RequestTimeout,
	})

	classifierProvider := intent.NewGuardedProvider(
		intent.NewHTTPProvider(intent.ProviderConfig{
			APIKey:  cfg.ClassifierAPIKey,
			BaseURL: cfg.ClassifierBaseURL,
		}, logr),
		breakers.For("classifier"),
	)
	classifier := intent.NewClassifier(intent.Config{
		CacheTTL:    cfg.CacheTTL,
		MaxAttempts: cfg.ClassifyMaxAttempts,
		RetryBase:   cfg.ClassifyRetryBase,
	}, classifierProvider, cache, logr)

	sel := selector.New()

	accountRepo := repository.NewAccountRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	led := ledger.New(ledger.NewSQLStore(accountRepo, transactionRepo), sel, cfg.DefaultTier, logr)

	invoker := provider.NewClient(provider.Config{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
		Timeout: cfg.RequestTimeout,
	}, logr)

	var media orchestrator.MediaStore
	if cfg.S3Bucket != "" {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		media = uploader
	}

	pipeline := orchestrator.New(logr, sessions, classifier, sel, led, limiter, invoker, breakers, media)

	server := api.NewServer(cfg.ListenAddr, logr, pipeline, led, sessions)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}
