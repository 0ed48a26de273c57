package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/api/handlers"
	"github.com/BaSui01/hybridrag/config"
	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/server"
	"github.com/BaSui01/hybridrag/internal/telemetry"
)

// 连接池指标采样间隔
const dbStatsInterval = 30 * time.Second

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 是 HybridRAG 的主服务器：API 端口与 metrics 端口分开监听
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector
	telemetry *telemetry.Providers
	app       *app

	httpManager    *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, collector *metrics.Collector, tp *telemetry.Providers, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		telemetry: tp,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配组件并启动两个监听端口（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	a, err := newApp(ctx, s.cfg, s.collector, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init backends: %w", err)
	}
	s.app = a

	handler, err := s.buildHandler(ctx)
	if err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.startHTTPServer(handler); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	s.startDBStats(ctx)

	s.logger.Info("HybridRAG API started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("persistent", s.cfg.Mode.Persistent),
		zap.Bool("streaming_enabled", s.cfg.Mode.StreamingEnabled),
		zap.String("vector_backend", s.cfg.Retrieval.VectorBackend),
		zap.String("graph_backend", s.cfg.Retrieval.GraphBackend),
		zap.String("model", s.cfg.LLM.Model),
	)
	return nil
}

// buildHandler 创建所有 handler 并套上中间件链
func (s *Server) buildHandler(ctx context.Context) (http.Handler, error) {
	sessions, err := s.app.sessions()
	if err != nil {
		return nil, err
	}
	engine := s.app.engine()
	orch, err := s.app.orchestrator(engine, sessions)
	if err != nil {
		return nil, err
	}

	health := handlers.NewHealthHandler(Version, api.ModeInfo{
		Persistent:       s.cfg.Mode.Persistent,
		StreamingEnabled: s.cfg.Mode.StreamingEnabled,
	}, s.logger)
	health.RegisterCheck(handlers.NewPingCheck("vector_store", s.app.vectors.Ping))
	health.RegisterCheck(handlers.NewPingCheck("graph_store", s.app.graph.Ping))

	router := handlers.NewRouter(handlers.Routes{
		Chat: handlers.NewChatHandler(orch, handlers.ChatOptions{
			StreamingEnabled: s.cfg.Mode.StreamingEnabled,
			Model:            s.cfg.LLM.Model,
		}, s.logger),
		Search:    handlers.NewSearchHandler(engine, s.logger),
		Documents: handlers.NewDocumentHandler(s.app.vectors, s.logger),
		Sessions:  handlers.NewSessionHandler(sessions, s.logger),
		Health:    health,
		Version:   health.HandleVersion(Version, BuildTime, GitCommit),
		Logger:    s.logger,
	})

	return Chain(router,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	), nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(handler http.Handler) error {
	s.httpManager = server.NewManager("api", handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// startDBStats 定期把连接池状态写入 Prometheus
func (s *Server) startDBStats(ctx context.Context) {
	pool := s.app.pool
	if pool == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(dbStatsInterval)
		defer ticker.Stop()
		for {
			stats := pool.Stats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到信号或任一监听异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	managers := []*server.Manager{s.httpManager}
	if s.metricsManager != nil {
		managers = append(managers, s.metricsManager)
	}
	server.WaitForSignal(s.logger, managers...)
	s.Shutdown()
}

// Shutdown 依次关闭 HTTP、metrics、后台任务、存储连接与遥测
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = server.DefaultConfig().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.app != nil {
		s.app.Close(ctx)
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown error", zap.Error(err))
	}
	s.logger.Info("graceful shutdown completed")
}
