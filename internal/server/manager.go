package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 管理一个 http.Server 的生命周期。
// 所有请求的 context 派生自 Manager 的基础 context，
// 优雅关闭超时后该 context 被取消，仍在推流的运行随之结束并释放浏览器。
type Manager struct {
	server     *http.Server
	listener   net.Listener
	errCh      chan error
	config     Config
	logger     *zap.Logger
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Config 服务器配置
type Config struct {
	// 日志里的名字，如 "api"、"metrics"
	Name string `yaml:"name" json:"name"`

	Addr string `yaml:"addr" json:"addr"`

	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 0 表示不限制。SSE 与 WebSocket 连接可能持续整个运行，不能设写超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 等待在途请求自然结束的时间，超时后强制取消
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Name:            "api",
		Addr:            ":8000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "api"
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		errCh:      make(chan error, 1),
		config:     config,
		logger:     logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	m.server = &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return m.baseCtx },
	}
	return m
}

// Start 非阻塞地启动监听。监听失败同步返回，服务期间的错误写入 Errors()。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server %s is closed", m.config.Name)
	}
	if m.listener != nil {
		return fmt.Errorf("server %s already started", m.config.Name)
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener

	m.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("http server error", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 先等待在途请求结束，ShutdownTimeout 或 ctx 先到期时取消基础
// context 并强制关闭连接。重复调用是 no-op。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.listener != nil
	m.mu.Unlock()

	if !started {
		m.cancelBase()
		return nil
	}

	m.logger.Info("shutting down http server")

	if m.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	err := m.server.Shutdown(ctx)
	// 被劫持的 WebSocket 连接不受 Shutdown 跟踪，同样靠基础 context 结束
	m.cancelBase()
	if err != nil {
		m.logger.Warn("graceful shutdown timed out, closing connections", zap.Error(err))
		if cerr := m.server.Close(); cerr != nil {
			return fmt.Errorf("close server: %w", cerr)
		}
		return nil
	}

	m.logger.Info("http server stopped")
	return nil
}

// Errors 返回服务期间的异步错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 报告 Manager 是否尚未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
