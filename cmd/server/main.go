package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otprelay/backend/internal/app"
	jwtpkg "otprelay/backend/internal/auth/jwt"
	"otprelay/backend/internal/bridge"
	"otprelay/backend/internal/config"
	"otprelay/backend/internal/health"
	"otprelay/backend/internal/logger"
	"otprelay/backend/internal/monitor"
	"otprelay/backend/internal/monitoring"
	"otprelay/backend/internal/provider"
	"otprelay/backend/internal/storage/redis"
	httptransport "otprelay/backend/internal/transport/http"
	"otprelay/backend/internal/websocket"
)

// version 构建时通过 -ldflags 覆盖
var version = "dev"

// main 启动 HTTP API、扩展 WebSocket 与验证码监控服务。
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

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting otprelay server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	// 待投递存储
	pending, closePending, err := newPendingStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize pending store", zap.Error(err))
	}
	defer closePending()

	relay := bridge.New(pending, cfg.Monitor.SessionTTL, metrics, log.Named("bridge"))

	settings, err := app.ProviderSettings(cfg.Provider)
	if err != nil {
		log.Fatal("Invalid provider configuration", zap.Error(err))
	}
	registry := provider.NewRegistry(settings, log.Named("provider"))

	manager := monitor.NewManager(
		app.MonitorConfig(cfg.Monitor),
		app.MailboxFactory(registry, metrics, log.Named("mailbox")),
		relay,
		nil,
		metrics,
		log.Named("monitor"),
	)

	var jwtManager *jwtpkg.Manager
	if cfg.Bridge.ProducerSecret != "" {
		jwtManager, err = jwtpkg.NewManager(cfg.Bridge.ProducerSecret, 0)
		if err != nil {
			log.Fatal("Invalid producer secret", zap.Error(err))
		}
		log.Info("Producer authentication enabled")
	}

	healthChecker := health.NewHealthChecker(relay, health.DefaultGoroutineThreshold, log.Named("health"))
	wsHandler := websocket.NewHandler(relay, cfg.CORS.AllowedOrigins, cfg.Bridge.IdleTimeout, log.Named("websocket"))

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Relay:      relay,
		Sessions:   manager,
		WebSocket:  wsHandler.Handle,
		Health:     healthChecker,
		Metrics:    metrics,
		JWTManager: jwtManager,
		Logger:     log.Named("http"),
	})

	httpAddr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("Starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 过期会话清理
	group.Go(func() error {
		log.Info("Starting session sweeper", zap.Duration("interval", cfg.Monitor.CleanupInterval))
		manager.RunSweeper(groupCtx)
		return nil
	})

	// 状态广播
	group.Go(func() error {
		log.Info("Starting status broadcaster", zap.Duration("interval", cfg.Bridge.StatusInterval))
		relay.RunBroadcaster(groupCtx, cfg.Bridge.StatusInterval)
		return nil
	})

	// 邮箱记录与待投递事件清理
	group.Go(func() error {
		relay.RunJanitor(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		manager.Close()

		log.Info("Servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Server error", zap.Error(err))
	}

	log.Info("Server exited cleanly")
}

// newPendingStore 按配置创建待投递存储
func newPendingStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (bridge.PendingStore, func(), error) {
	if cfg.Bridge.PendingBackend != config.BackendRedis {
		log.Info("Using in-memory pending store", zap.Duration("ttl", cfg.Bridge.PendingTTL))
		return bridge.NewMemoryPending(cfg.Bridge.PendingTTL), func() {}, nil
	}

	client, err := redis.New(ctx, &cfg.Redis, log.Named("redis"))
	if err != nil {
		return nil, nil, err
	}
	log.Info("Using redis pending store",
		zap.String("address", cfg.Redis.Address),
		zap.String("key", bridge.DefaultPendingKey),
		zap.Duration("ttl", cfg.Bridge.PendingTTL),
	)
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	return bridge.NewRedisPending(client, bridge.DefaultPendingKey, cfg.Bridge.PendingTTL), closeFn, nil
}
