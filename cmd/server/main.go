package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"onlycat/backend/internal/auth/jwt"
	"onlycat/backend/internal/cache"
	"onlycat/backend/internal/config"
	"onlycat/backend/internal/events"
	"onlycat/backend/internal/extract"
	"onlycat/backend/internal/health"
	"onlycat/backend/internal/logger"
	"onlycat/backend/internal/mailbox"
	"onlycat/backend/internal/middleware"
	"onlycat/backend/internal/monitoring"
	"onlycat/backend/internal/pool"
	"onlycat/backend/internal/service"
	"onlycat/backend/internal/smtp"
	"onlycat/backend/internal/storage"
	"onlycat/backend/internal/storage/hybrid"
	"onlycat/backend/internal/storage/memory"
	"onlycat/backend/internal/storage/postgres"
	"onlycat/backend/internal/storage/redis"
	httptransport "onlycat/backend/internal/transport/http"
	"onlycat/backend/internal/websocket"
)

const (
	summaryCacheTTL   = 10 * time.Minute
	localCacheSize    = 10000
	notifyWorkers     = 4
	notifyQueueSize   = 1000
	ledgerPurgeEvery  = time.Hour
	readinessTimeout  = 2 * time.Second
	shutdownTimeout   = 15 * time.Second
	smtpMaxConns      = 100
	smtpMaxConnPerSec = 10
)

// main 启动销售同步服务：HTTP API，以及可选的转发邮件 SMTP 入口
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
		Service:     "onlycat-backend",
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting onlycat sales service",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := config.LoadProviders(cfg.Providers.File)
	if err != nil {
		log.Fatal("failed to load provider table", zap.Error(err))
	}

	metrics := monitoring.NewMetrics(nil)
	healthChecker := health.NewHealthChecker(log)

	// Redis 可选：汇总缓存、账户锁、账本
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		healthChecker.AddReadinessCheck("redis", redisClient.Ping, readinessTimeout)
	}

	store, err := initializeStore(cfg, redisClient, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	healthChecker.AddReadinessCheck("database", func(context.Context) error { return store.Health() }, readinessTimeout)

	var locker storage.AccountLocker = memory.NewLocker()
	if redisClient != nil {
		locker = redis.NewLocker(redisClient)
	}

	var pgClient *postgres.Client
	ledger, err := initializeLedger(ctx, cfg, redisClient, &pgClient, log)
	if err != nil {
		log.Fatal("failed to initialize processed-message ledger", zap.Error(err))
	}
	if pgClient != nil {
		defer pgClient.Close()
	}

	var jwtManager *jwt.Manager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	} else {
		log.Warn("auth.jwt_secret is empty, request userId is trusted without a token")
	}

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, metrics, log)
	notifiers := service.NotifierGroup{wsHub}

	if cfg.NATS.URL != "" {
		publisher, err := events.Connect(cfg.NATS.URL, cfg.NATS.Stream, log)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
		healthChecker.AddReadinessCheck("nats", publisher.Ping, readinessTimeout)
	}

	// 通知在协程池中异步执行，关闭时先停止服务器再排空队列
	notifyPool := pool.NewWorkerPool(notifyWorkers, notifyQueueSize, log)
	notifyPool.Start(context.Background())
	defer notifyPool.Stop()

	syncService := service.NewSyncService(service.SyncDependencies{
		Connector: mailbox.NewConnector(cfg.IMAP.Mailbox, log),
		Extractor: extract.New(),
		Persister: service.NewSalePersister(store),
		Locker:    locker,
		Ledger:    ledger,
		Notifier:  service.NewAsyncNotifier(notifyPool, notifiers, log),
		Metrics:   metrics,
		Logger:    log,
		Options: service.SyncOptions{
			Lookback: cfg.Sync.Lookback,
			Keywords: cfg.Sync.Keywords,
			LockTTL:  cfg.Sync.LockTTL,
		},
	})
	salesService := service.NewSalesService(store)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Syncer:       syncService,
		Sales:        salesService,
		Providers:    providers,
		JWTManager:   jwtManager,
		RateLimiter:  middleware.NewKeyedRateLimiter(cfg.Sync.RateLimit, cfg.Sync.RateBurst),
		WebSocketHub: wsHub,
		Health:       healthChecker,
		Metrics:      metrics,
		Logger:       log,
	})

	// 同步请求可能持续到 IMAP 各阶段超时之和，写超时需覆盖它
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(syncService, cfg.SMTP.Domain, cfg.SMTP.MaxMessageBytes,
			smtp.NewConnectionLimiter(smtpMaxConns, smtpMaxConnPerSec), log)
		smtpServer = gosmtp.NewServer(backend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.SMTP.Domain
		smtpServer.ReadTimeout = 30 * time.Second
		smtpServer.WriteTimeout = 30 * time.Second
		smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
		smtpServer.MaxRecipients = 10
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 定时清理过期的账本记录（Redis 和内存账本自行过期）
	if purger, ok := ledger.(*postgres.Ledger); ok {
		group.Go(func() error {
			ticker := time.NewTicker(ledgerPurgeEvery)
			defer ticker.Stop()

			log.Info("starting ledger purge task", zap.Duration("interval", ledgerPurgeEvery))
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					count, err := purger.Purge(groupCtx)
					if err != nil {
						log.Error("failed to purge processed-message ledger", zap.Error(err))
					} else if count > 0 {
						log.Info("processed-message ledger purged", zap.Int64("count", count))
					}
				}
			}
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStore 选择销售记录存储：未配置数据库时使用内存，否则叠加汇总缓存（Redis 或本地缓存）
func initializeStore(cfg *config.Config, redisClient *redis.Client, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.Type == "memory" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	db, err := postgres.NewStoreFromConfig(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	log.Info("database storage initialized", zap.String("type", cfg.Database.Type))

	if redisClient == nil {
		log.Info("summary cache enabled", zap.String("backend", "local"), zap.Duration("ttl", summaryCacheTTL))
		local := cache.NewLocalCache(localCacheSize, summaryCacheTTL)
		return &localCachedStore{Store: hybrid.NewStore(db, local, summaryCacheTTL, log), local: local}, nil
	}
	log.Info("summary cache enabled", zap.String("backend", "redis"), zap.Duration("ttl", summaryCacheTTL))
	return hybrid.NewStore(db, redisClient, summaryCacheTTL, log), nil
}

// initializeLedger 按配置创建已处理邮件账本，未启用时返回 nil
func initializeLedger(ctx context.Context, cfg *config.Config, redisClient *redis.Client, pgClient **postgres.Client, log *zap.Logger) (storage.ProcessedLedger, error) {
	dedup := cfg.Sync.Dedup
	if !dedup.Enabled {
		return nil, nil
	}

	log.Info("processed-message ledger enabled",
		zap.String("backend", dedup.Backend),
		zap.Duration("ttl", dedup.TTL),
	)

	switch dedup.Backend {
	case "redis":
		return redis.NewLedger(redisClient, dedup.TTL), nil
	case "postgres":
		client, err := postgres.New(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		*pgClient = client
		return postgres.NewLedger(client, dedup.TTL), nil
	default:
		return memory.NewLedger(dedup.TTL), nil
	}
}

// localCachedStore 关闭存储时一并停止本地缓存的清理协程
type localCachedStore struct {
	*hybrid.Store
	local *cache.LocalCache
}

func (s *localCachedStore) Close() error {
	s.local.Close()
	return s.Store.Close()
}
