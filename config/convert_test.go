package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/types"
)

func TestConfig_ToHiveConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Cluster.CoordinatorID = "hq"
	cfg.Cluster.Peers = map[string]string{"p4": "ws://10.0.0.4:8080/hive/ws"}
	cfg.Cluster.SignMessages = true
	cfg.Cluster.InitialTrust = 0.8
	cfg.Consensus.ViewTimeout = 3 * time.Second
	cfg.Consensus.RequireSignatures = true
	cfg.Router.Weights = WeightsConfig{Domain: 1}
	cfg.Router.BreakerThreshold = 2
	cfg.Messaging.DeliveryReliability = "exactly_once"
	cfg.Messaging.MaxRetries = 3
	cfg.Messaging.OfflineAfter = 9
	cfg.Server.MaxBodyBytes = 4096

	hc, err := cfg.ToHiveConfig()
	require.NoError(t, err)

	assert.Equal(t, types.PrincipalID("hq"), hc.CoordinatorID)
	require.Len(t, hc.Principals, 4)
	assert.Equal(t, "ws://10.0.0.4:8080/hive/ws", hc.Peers["p4"])
	assert.True(t, hc.SignMessages)
	assert.Equal(t, 0.8, hc.Registry.InitialTrust)

	assert.Equal(t, 3*time.Second, hc.Consensus.ViewTimeout)
	assert.True(t, hc.Consensus.RequireSignatures)
	assert.Equal(t, cfg.Cluster.QuarantineFor, hc.Consensus.QuarantineFor)

	assert.Equal(t, 1.0, hc.Router.Weights.Domain)
	assert.Equal(t, 0.0, hc.Router.Weights.Load)
	assert.Equal(t, 2, hc.Router.Breaker.Threshold)

	assert.Equal(t, messaging.ExactlyOnce, hc.Dispatch.Reliability)
	assert.Equal(t, cfg.Messaging.DeliveryTTL, hc.Dispatch.TTL)
	assert.Equal(t, 3, hc.Messaging.Retry.MaxRetries)
	assert.Equal(t, cfg.Router.MaxHops, hc.Messaging.MaxHops)
	assert.Equal(t, 9, hc.Monitor.OfflineAfter)
	assert.Equal(t, 4096, hc.MaxBodySize)

	// 名册是拷贝
	cfg.Cluster.Principals[0].Domain = "changed"
	assert.Equal(t, "backend", hc.Principals[0].Domain)
}

func TestConfig_ToHiveConfig_UnknownReliability(t *testing.T) {
	cfg := validConfig()
	cfg.Messaging.DeliveryReliability = "twice"
	_, err := cfg.ToHiveConfig()
	assert.Error(t, err)
}

func TestConfig_ToStorageConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{
		Driver:       "sqlite",
		Name:         "/tmp/decisions.db",
		MaxOpenConns: 3,
	}

	sc := cfg.ToStorageConfig()
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "/tmp/decisions.db", sc.DSN)
	assert.Equal(t, 3, sc.Pool.MaxOpenConns)
	// 未设置的字段使用连接池默认值
	assert.Equal(t, 5, sc.Pool.MaxIdleConns)
	assert.Equal(t, time.Hour, sc.Pool.ConnMaxLifetime)
}

func TestConfig_ToRedisOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Password = "pw"
	opts := cfg.ToRedisOptions()
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, "hivecoord:", opts.KeyPrefix)
}

func TestConfig_ToWSConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Server.MaxBodyBytes = 1000
	assert.Equal(t, int64(2000), cfg.ToWSConfig().ReadLimit)
}

func TestParseReliability(t *testing.T) {
	tests := []struct {
		in      string
		want    messaging.Reliability
		wantErr bool
	}{
		{"", messaging.AtLeastOnce, false},
		{"best_effort", messaging.BestEffort, false},
		{"at_least_once", messaging.AtLeastOnce, false},
		{"exactly_once", messaging.ExactlyOnce, false},
		{"always", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseReliability(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
