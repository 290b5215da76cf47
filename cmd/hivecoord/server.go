package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/api/handlers"
	"github.com/BaSui01/hivecoord/config"
	"github.com/BaSui01/hivecoord/hive"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/internal/server"
	"github.com/BaSui01/hivecoord/internal/telemetry"
	"github.com/BaSui01/hivecoord/internal/tlsutil"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装协调层与 API、Metrics 两个监听
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	collector *metrics.Collector
	otel      *telemetry.Providers
	hive      *hive.Hive
	log       storage.Log
	ws        *messaging.WebSocketTransport
	outbox    *messaging.RedisOutbox
	limiter   *RateLimiter

	apiManager     *server.Manager
	metricsManager *server.Manager

	hotReload *config.HotReloadManager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建服务器；level 用于热更新日志级别
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序启动，任一步失败都会回收已启动的部分
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.collector = metrics.NewCollector("hivecoord", s.logger)

	otelProviders, err := telemetry.Init(s.cfg.Telemetry,
		telemetry.Instance{Version: Version, CoordinatorID: s.cfg.Cluster.CoordinatorID}, s.logger)
	if err != nil {
		// 遥测不可用不影响协调
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otel = otelProviders

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"hive", s.initHive},
		{"hot reload", s.initHotReload},
		{"api server", s.startAPIServer},
		{"metrics server", s.startMetricsServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.Shutdown(context.Background())
			return fmt.Errorf("failed to start %s: %w", step.name, err)
		}
	}

	s.logger.Info("hivecoord started",
		zap.String("api_addr", s.apiManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Int("principals", len(s.cfg.Cluster.Principals)),
		zap.String("transport", s.cfg.Messaging.Transport),
		zap.Bool("hot_reload", s.hotReload != nil && s.configPath != ""),
		zap.Bool("telemetry", s.otel.Enabled()))
	return nil
}

// Run 启动并阻塞到 ctx 结束或任一监听异常退出，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-s.apiManager.Errors():
		runErr = fmt.Errorf("api server: %w", err)
	case err := <-s.metricsManager.Errors():
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.Shutdown(shutdownCtx)
	return runErr
}

// initHive 打开决策日志与 outbox，选择传输并启动协调层
func (s *Server) initHive(ctx context.Context) error {
	hiveCfg, err := s.cfg.ToHiveConfig()
	if err != nil {
		return err
	}

	log, err := storage.Open(s.cfg.ToStorageConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}

	deps := hive.Deps{
		Log:     log,
		Metrics: s.collector,
		Logger:  s.logger,
	}

	switch s.cfg.Messaging.Transport {
	case "websocket":
		s.ws = messaging.NewWebSocketTransport(s.cfg.ToWSConfig(), s.logger)
		deps.Transport = s.ws
	default:
		deps.Transport = messaging.NewMemoryTransport(s.logger)
	}

	if s.cfg.Messaging.Outbox == "redis" {
		base, err := messaging.OpenRedisOutbox(ctx, s.cfg.ToRedisOptions())
		if err != nil {
			_ = log.Close()
			return fmt.Errorf("open redis outbox: %w", err)
		}
		s.outbox = base
		deps.Outbox = func(id types.PrincipalID) messaging.Outbox { return base.For(id) }
	}

	h, err := hive.New(hiveCfg, deps)
	if err != nil {
		_ = log.Close()
		return err
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Stop()
		return err
	}
	s.hive = h
	s.log = log
	return nil
}

// initHotReload 注册热更新回调；没有配置文件时只提供查询与回滚
func (s *Server) initHotReload(ctx context.Context) error {
	var loader *config.Loader
	if s.configPath != "" {
		loader = config.NewLoader().WithConfigPath(s.configPath)
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, loader, config.WithHotReloadLogger(s.logger))
	s.hotReload.OnReload(s.applyReload)

	if loader == nil {
		return nil
	}
	return s.hotReload.Start(ctx)
}

// applyReload 把可热更新字段推给运行中的组件；返回错误时配置回滚
func (s *Server) applyReload(_, next *config.Config) error {
	level, err := parseLevel(next.Log.Level)
	if err != nil {
		return err
	}
	if err := s.hive.Router().SetWeights(next.Router.Weights.ToWeights()); err != nil {
		return err
	}
	s.level.SetLevel(level)
	if s.limiter != nil {
		s.limiter.SetLimit(next.Server.RateLimitRPS, next.Server.RateLimitBurst)
	}
	return nil
}

// =============================================================================
// 🌐 API 服务器
// =============================================================================

// buildHandler 组装路由与中间件链
func (s *Server) buildHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(Version, s.logger)
	health.RegisterCheck(handlers.NewQuorumCheck(func() (int, int) {
		return s.hive.Registry().HealthyCount(), len(s.hive.Registry().Principals())
	}))
	if p, ok := s.log.(interface{ Ping(context.Context) error }); ok {
		health.RegisterCheck(handlers.NewPingCheck("decision_log", p.Ping))
	}
	if s.outbox != nil {
		health.RegisterCheck(handlers.NewPingCheck("outbox", s.outbox.Ping))
	}
	health.RegisterRoutes(mux)

	handlers.NewHiveHandler(s.hive, s.cfg.Server.MaxBodyBytes, s.logger).RegisterRoutes(mux)
	config.NewConfigAPIHandler(s.hotReload).RegisterRoutes(mux)

	if s.ws != nil {
		mux.Handle("GET "+s.cfg.Messaging.WSPath, s.ws)
		s.logger.Info("websocket transport mounted", zap.String("path", s.cfg.Messaging.WSPath))
	}

	s.limiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.limiter.Cleanup(ctx, time.Minute)
	}()

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		s.limiter.Middleware(s.logger),
	}
	if s.cfg.Server.JWTSecret != "" {
		chain = append(chain, JWTAuth(s.cfg.Server.JWTSecret, "/api/", s.logger))
	}
	return Chain(mux, chain...)
}

func (s *Server) startAPIServer(ctx context.Context) error {
	var tlsConfig *tls.Config
	if s.cfg.Server.TLSCertFile != "" {
		var err error
		if tlsConfig, err = tlsutil.LoadServerConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
	}
	s.apiManager = server.NewManager(s.buildHandler(ctx), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSConfig:       tlsConfig,
	}, s.logger)
	return s.apiManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 先停止接收请求，再停协调层，最后刷新遥测
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("starting graceful shutdown")

	if s.hotReload != nil {
		s.hotReload.Stop()
	}
	for _, m := range []*server.Manager{s.apiManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.hive != nil {
		if err := s.hive.Stop(); err != nil {
			s.logger.Error("hive shutdown error", zap.Error(err))
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Close(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("outbox close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
