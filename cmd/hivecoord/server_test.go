package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/hivecoord/api"
	"github.com/BaSui01/hivecoord/config"
	"github.com/BaSui01/hivecoord/router"
	"github.com/BaSui01/hivecoord/testutil/fixtures"
)

// 指标收集器注册到全局 registry，本包只启动一次 Server
func TestServer_Lifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cluster.Principals = fixtures.Principals(4)
	cfg.Cluster.HeartbeatInterval = 0
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	s := NewServer(cfg, "", zap.NewNop(), level)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())

	base := "http://" + s.apiManager.Addr()
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) (*http.Response, api.Response) {
		t.Helper()
		resp, err := client.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body api.Response
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	t.Run("health endpoints", func(t *testing.T) {
		resp, _ := get("/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

		resp, _ = get("/readyz")
		assert.Equal(t, http.StatusOK, resp.StatusCode, "quorum of 4 healthy principals")
	})

	t.Run("propose through the API", func(t *testing.T) {
		raw, err := json.Marshal(api.ProposeRequest{
			Payload:  fixtures.Payload("release-9", "backend"),
			Proposer: "p1",
			Wait:     true,
		})
		require.NoError(t, err)
		resp, err := client.Post(base+"/api/v1/proposals", "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Data api.ProposeResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.NotNil(t, body.Data.Decision)
		assert.Equal(t, "committed", string(body.Data.Decision.Status))
	})

	t.Run("config api", func(t *testing.T) {
		resp, body := get("/api/v1/config")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, body.Success)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := client.Get(fmt.Sprintf("http://%s/metrics", s.metricsManager.Addr()))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("hot reload", func(t *testing.T) {
		next := *cfg
		next.Log.Level = "debug"
		next.Router.Weights = config.WeightsConfig{Domain: 1, Load: 1}
		next.Server.RateLimitRPS = 0

		require.NoError(t, s.applyReload(cfg, &next))
		assert.Equal(t, zapcore.DebugLevel, level.Level())
		assert.Equal(t, router.Weights{Domain: 1, Load: 1}, s.hive.Router().Weights())
		for i := 0; i < 500; i++ {
			require.True(t, s.limiter.Allow("127.0.0.1"))
		}

		bad := next
		bad.Log.Level = "shouty"
		assert.Error(t, s.applyReload(&next, &bad))
		assert.Equal(t, zapcore.DebugLevel, level.Level(), "failed reload leaves the level alone")
	})
}
