package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := Config{Name: "api", Addr: "127.0.0.1:0", ShutdownTimeout: time.Second, MaxHeaderBytes: 1 << 20}
	m := NewManager(handler, cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// --- NewManager ---

func TestNewManager(t *testing.T) {
	m := NewManager(http.NewServeMux(), Config{Addr: ":9999"}, nil)
	require.NotNil(t, m)
	assert.Equal(t, ":9999", m.Addr(), "configured address until started")
	assert.Equal(t, "http", m.config.Name)
	assert.Equal(t, defaultShutdownTimeout, m.config.ShutdownTimeout)
	assert.Equal(t, m.config.ReadTimeout, m.srv.ReadHeaderTimeout)
}

// --- Start / Shutdown lifecycle ---

func TestManager_StartAndShutdown(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	require.NoError(t, m.Start())
	assert.NotEqual(t, "127.0.0.1:0", m.Addr(), "Addr should report the bound port")

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = http.Get("http://" + m.Addr() + "/")
	assert.Error(t, err, "listener released after shutdown")
}

func TestManager_TLS(t *testing.T) {
	// 借用 httptest 的自签名证书，客户端信任同一张证书
	ref := httptest.NewTLSServer(http.NotFoundHandler())
	defer ref.Close()

	cfg := Config{Name: "api", Addr: "127.0.0.1:0", TLSConfig: ref.TLS.Clone()}
	m := NewManager(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.TLS)
		_, _ = w.Write([]byte("secure"))
	}), cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	require.NoError(t, m.Start())

	resp, err := ref.Client().Get("https://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secure", string(body))

	// 明文请求被拒
	plain, err := http.Get("http://" + m.Addr() + "/")
	if err == nil {
		defer plain.Body.Close()
		assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
	}
}

func TestManager_DoubleStart(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_StartPortInUse(t *testing.T) {
	first := newTestManager(t, http.NewServeMux())
	require.NoError(t, first.Start())

	second := NewManager(http.NewServeMux(), Config{Name: "metrics", Addr: first.Addr()}, zap.NewNop())
	assert.Error(t, second.Start())
}

func TestManager_Errors(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())

	select {
	case <-m.Errors():
		t.Fatal("should not have received an error")
	default:
	}

	// 监听被意外关闭时，cmd 通过 Errors 感知并退出
	m.mu.Lock()
	require.NoError(t, m.listener.Close())
	m.mu.Unlock()

	select {
	case err := <-m.Errors():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve failure was not reported")
	}
}
