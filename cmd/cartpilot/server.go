package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/agent/runtime/scripted"
	"github.com/BaSui01/cartpilot/agent/service"
	"github.com/BaSui01/cartpilot/api/handlers"
	"github.com/BaSui01/cartpilot/config"
	"github.com/BaSui01/cartpilot/internal/metrics"
	"github.com/BaSui01/cartpilot/internal/server"
	"github.com/BaSui01/cartpilot/internal/store"
	"github.com/BaSui01/cartpilot/internal/telemetry"
)

// dbStatsInterval 连接池指标采样间隔
const dbStatsInterval = 15 * time.Second

// Server 组装并运行 CartPilot 的全部组件
type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	configPath string
	level      zap.AtomicLevel
	logger     *zap.Logger

	otel      *telemetry.Providers
	store     store.Store
	collector *metrics.Collector
	acquirer  browser.Acquirer
	driver    *runner.Driver
	svc       *service.Service
	reloader  *config.Reloader

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器。configPath 为空时不监听配置文件。
func NewServer(cfg *config.Config, loader *config.Loader, configPath string, level zap.AtomicLevel, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		loader:     loader,
		configPath: configPath,
		level:      level,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Run 启动所有组件并阻塞到 ctx 结束或某个服务器出错，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		s.cleanup()
		return err
	}
	if err := s.start(); err != nil {
		s.shutdown()
		return err
	}

	s.logger.Info("all servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.httpManager.Errors():
			return fmt.Errorf("http server: %w", err)
		case err := <-s.metricsManager.Errors():
			return fmt.Errorf("metrics server: %w", err)
		}
	})
	if stats, ok := s.store.(interface{ Stats() sql.DBStats }); ok {
		g.Go(func() error {
			s.sampleDBStats(gctx, stats.Stats)
			return nil
		})
	}

	err := g.Wait()
	s.shutdown()
	return err
}

// init 按依赖顺序构建组件
func (s *Server) init(ctx context.Context) error {
	var err error
	s.otel, err = telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	s.store, err = store.Open(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	s.collector = metrics.NewCollector("cartpilot", s.logger)

	scripts, err := scripted.Load(s.cfg.Agent.ScriptPath)
	if err != nil {
		return fmt.Errorf("load runtime scripts: %w", err)
	}
	registry := hitl.NewRegistry(s.logger, hitl.WithRecorder(s.collector))
	s.driver = runner.NewDriver(scripted.New(scripts, s.logger), registry, s.logger,
		runner.WithLimits(limitsFrom(s.cfg.Agent)),
		runner.WithRecorder(s.collector),
		runner.WithStopRecorder(s.collector),
	)

	s.acquirer = newAcquirer(s.cfg.Browser.Driver, s.logger)
	s.svc = service.New(s.driver, s.acquirer, s.store, s.logger,
		service.WithBrowserConfig(s.cfg.Browser.ToBrowser()),
		service.WithModel(s.cfg.Agent.Model),
		service.WithBatchRecorder(s.collector),
	)

	s.initReloader(ctx)
	return nil
}

// initReloader 注册热更新回调。只有步数限制、浏览器参数、模型与日志级别会即时生效。
func (s *Server) initReloader(ctx context.Context) {
	s.reloader = config.NewReloader(s.loader, s.cfg, s.logger)
	s.reloader.OnReload(func(_, next *config.Config) {
		s.driver.SetLimits(limitsFrom(next.Agent))
		s.svc.SetBrowserConfig(next.Browser.ToBrowser())
		s.svc.SetModel(next.Agent.Model)
		s.level.SetLevel(parseLevel(next.Log.Level))
	})
	if s.configPath == "" {
		return
	}
	if err := s.reloader.Watch(ctx); err != nil {
		s.logger.Warn("config hot reload disabled", zap.Error(err))
	}
}

func limitsFrom(a config.AgentConfig) runner.Limits {
	return runner.Limits{
		MaxSteps:          a.MaxSteps,
		MaxFailures:       a.MaxFailures,
		MaxActionsPerStep: a.MaxActionsPerStep,
	}
}

func newAcquirer(driver string, logger *zap.Logger) browser.Acquirer {
	if driver == "memory" {
		logger.Warn("using in-memory browser, no real pages will be opened")
		return browser.NewMemoryAcquirer()
	}
	return browser.NewChromeDPAcquirer(logger)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) start() error {
	s.httpManager = server.NewManager(s.routes(), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// routes 构建路由与中间件链
func (s *Server) routes() http.Handler {
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))
	health.ReportActive(s.svc.Active)

	agent := handlers.NewAgentHandler(s.svc, s.logger,
		handlers.WithWSOriginPatterns(wsOriginPatterns(s.cfg.Server.CORSAllowedOrigins)...))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /agent/stream", agent.HandleStream)
	mux.HandleFunc("POST /agent/batch-order", agent.HandleBatchOrder)
	mux.HandleFunc("POST /agent/input", agent.HandleInput)
	mux.HandleFunc("GET /agent/ws", agent.HandleWS)
	mux.HandleFunc("GET /agent/sessions/{id}/pending", agent.HandlePending)
	mux.HandleFunc("GET /agent/runs/{id}", agent.HandleGetRun)
	mux.HandleFunc("GET /agent/batches/{id}", agent.HandleGetBatch)

	skipAuth := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(s.cfg.Server.APIKeys, skipAuth, s.cfg.Server.AllowQueryAPIKey, s.logger))
	}
	if s.cfg.Server.JWT.Secret != "" {
		chain = append(chain, JWTAuth(s.cfg.Server.JWT, skipAuth, s.logger))
	}
	return Chain(mux, chain...)
}

// wsOriginPatterns 把 CORS 来源（含 scheme）转成 WebSocket 的 host 匹配模式
func wsOriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func (s *Server) sampleDBStats(ctx context.Context, stats func() sql.DBStats) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		st := stats()
		s.collector.RecordDBConnections(s.cfg.Database.Driver, st.OpenConnections, st.Idle)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// shutdown 并行关闭两个服务器，等待在途运行收尾后释放其余资源
func (s *Server) shutdown() {
	s.logger.Info("starting graceful shutdown")

	var g errgroup.Group
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		g.Go(func() error { return m.Shutdown(context.Background()) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}

	if s.svc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		if err := s.svc.Wait(ctx); err != nil {
			s.logger.Warn("runs still active after shutdown timeout", zap.Int("active", s.svc.Active()))
		}
		cancel()
	}
	s.cleanup()
	s.logger.Info("graceful shutdown completed")
}

// cleanup 释放非 HTTP 资源，可在部分初始化失败后调用
func (s *Server) cleanup() {
	if s.reloader != nil {
		if err := s.reloader.Close(); err != nil {
			s.logger.Error("config watcher shutdown error", zap.Error(err))
		}
	}
	if c, ok := s.acquirer.(io.Closer); ok {
		_ = c.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.otel.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}
}
