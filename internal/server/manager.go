package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 监听管理
// =============================================================================

// defaultShutdownTimeout Config 未给出关闭超时时使用
const defaultShutdownTimeout = 30 * time.Second

// Config 单个监听的配置
type Config struct {
	// Name 日志中区分 api 与 metrics 两个监听
	Name string
	// Addr 端口写 0 时由系统分配，启动后 Addr() 返回实际地址
	Addr string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	ShutdownTimeout time.Duration

	// TLSConfig 非空时监听 HTTPS
	TLSConfig *tls.Config
}

// Manager 管理单个 http.Server：后台服务、异常上报与优雅关闭
type Manager struct {
	srv    *http.Server
	config Config
	logger *zap.Logger
	failed chan error

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewManager 创建监听管理器，此时尚未占用端口
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.Name == "" {
		config.Name = "http"
	}
	return &Manager{
		srv: &http.Server{
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			MaxHeaderBytes:    config.MaxHeaderBytes,
			ErrorLog:          zap.NewStdLog(logger),
		},
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", config.Name)),
		failed: make(chan error, 1),
	}
}

// Start 占用端口并在后台服务，不阻塞
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return fmt.Errorf("%s server is closed", m.config.Name)
	case m.listener != nil:
		return fmt.Errorf("%s server already started", m.config.Name)
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	if m.config.TLSConfig != nil {
		ln = tls.NewListener(ln, m.config.TLSConfig)
	}
	m.listener = ln
	m.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", m.config.TLSConfig != nil))

	go func() {
		err := m.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("serve failed", zap.Error(err))
		select {
		case m.failed <- err:
		default:
		}
	}()
	return nil
}

// Shutdown 在 ShutdownTimeout 内排空请求；重复调用无副作用
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	ctx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("stopped")
	return nil
}

// Errors 后台服务异常退出时收到一次错误
func (m *Manager) Errors() <-chan error {
	return m.failed
}

// Addr 启动后返回实际监听地址，之前返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}
