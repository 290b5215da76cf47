package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

type mockHealthCheck struct {
	name string
	err  error
}

func (m *mockHealthCheck) Name() string { return m.name }

func (m *mockHealthCheck) Check(context.Context) error { return m.err }

func serveHealth(t *testing.T, h *HealthHandler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var status HealthStatus
	if path != "/version" {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	}
	return w, status
}

// =============================================================================
// 🧪 HealthHandler 测试
// =============================================================================

func TestHealthHandler_Healthz(t *testing.T) {
	h := NewHealthHandler("1.2.3", zap.NewNop())
	h.RegisterCheck(&mockHealthCheck{name: "db", err: errors.New("down")})

	w, status := serveHealth(t, h, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores readiness checks")
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantState  string
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "all pass",
			checks: []HealthCheck{
				&mockHealthCheck{name: "decision_log"},
				&mockHealthCheck{name: "outbox"},
			},
			wantStatus: http.StatusOK,
			wantState:  "healthy",
		},
		{
			name: "one fails",
			checks: []HealthCheck{
				&mockHealthCheck{name: "decision_log"},
				&mockHealthCheck{name: "outbox", err: errors.New("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("dev", nil)
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			w, status := serveHealth(t, h, "/readyz")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantState, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for _, c := range tt.checks {
				res := status.Checks[c.Name()]
				if c.(*mockHealthCheck).err != nil {
					assert.Equal(t, "fail", res.Status)
					assert.Equal(t, "connection refused", res.Message)
				} else {
					assert.Equal(t, "pass", res.Status)
				}
			}
		})
	}
}

func TestHealthHandler_Version(t *testing.T) {
	w, _ := serveHealth(t, NewHealthHandler("v0.3.0", zap.NewNop()), "/version")

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, map[string]any{"version": "v0.3.0"}, resp.Data)
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthHandler("dev", nil).RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// -----------------------------------------------------------------------------
// 内置检查
// -----------------------------------------------------------------------------

func TestPingCheck(t *testing.T) {
	ok := NewPingCheck("redis", func(context.Context) error { return nil })
	assert.Equal(t, "redis", ok.Name())
	assert.NoError(t, ok.Check(context.Background()))

	bad := NewPingCheck("db", func(context.Context) error { return errors.New("closed") })
	assert.EqualError(t, bad.Check(context.Background()), "closed")
}

func TestQuorumCheck(t *testing.T) {
	tests := []struct {
		healthy, total int
		wantErr        bool
	}{
		{healthy: 4, total: 4},
		{healthy: 3, total: 4},
		{healthy: 2, total: 4, wantErr: true},
		{healthy: 5, total: 7},
		{healthy: 4, total: 7, wantErr: true},
		{healthy: 1, total: 1},
	}

	for _, tt := range tests {
		check := NewQuorumCheck(func() (int, int) { return tt.healthy, tt.total })
		assert.Equal(t, "quorum", check.Name())
		err := check.Check(context.Background())
		if tt.wantErr {
			assert.Error(t, err, "%d/%d", tt.healthy, tt.total)
		} else {
			assert.NoError(t, err, "%d/%d", tt.healthy, tt.total)
		}
	}
}
