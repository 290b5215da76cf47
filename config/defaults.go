// =============================================================================
// 📦 HiveCoord 默认配置
// =============================================================================

package config

import (
	"time"
)

// DefaultConfig 返回默认配置，名册为空，需由文件提供
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Cluster:   DefaultClusterConfig(),
		Consensus: DefaultConsensusConfig(),
		Router:    DefaultRouterConfig(),
		Messaging: DefaultMessagingConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultClusterConfig 返回默认名册配置
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		CoordinatorID:     "hive",
		HeartbeatInterval: time.Second,
		InitialTrust:      1.0,
		QuarantineFor:     10 * time.Minute,
	}
}

// DefaultConsensusConfig 返回默认共识配置
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		TTL:                30 * time.Second,
		ViewTimeout:        10 * time.Second,
		MaxViewChanges:     2,
		MinEmergencyNodes:  2,
		AuthorityTimeout:   5 * time.Second,
		ViolationThreshold: 3,
		ViolationPenalty:   0.1,
		CommitReward:       0.01,
		UnresponsiveRounds: 3,
		DecisionCacheSize:  1024,
		RetainFor:          time.Hour,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Weights: WeightsConfig{
			Domain:      0.4,
			Load:        0.2,
			Reliability: 0.2,
			Latency:     0.1,
			Context:     0.1,
		},
		TopK:                 2,
		RedundantPaths:       3,
		MaxHops:              8,
		Window:               20,
		LatencyCeiling:       2 * time.Second,
		BreakerThreshold:     5,
		BreakerRetryAfter:    30 * time.Second,
		BreakerMaxRetryAfter: 5 * time.Minute,
		BreakerMultiplier:    2.0,
	}
}

// DefaultMessagingConfig 返回默认消息配置
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		Transport:           "memory",
		WSPath:              "/hive/ws",
		Outbox:              "memory",
		DefaultTTL:          30 * time.Second,
		MaxRetries:          8,
		RetryInitialDelay:   100 * time.Millisecond,
		RetryMaxDelay:       2 * time.Second,
		InboxCapacity:       1024,
		DedupSize:           4096,
		DedupWindow:         5 * time.Minute,
		GapTimeout:          2 * time.Second,
		DeliveryReliability: "at_least_once",
		DeliveryTTL:         10 * time.Second,
		MonitorInterval:     time.Second,
		DegradedAfter:       3,
		OfflineAfter:        5,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "hivecoord:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，memory 表示不落盘
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "memory",
		Host:                "localhost",
		Port:                5432,
		User:                "hivecoord",
		Name:                "hivecoord",
		SSLMode:             "disable",
		MaxOpenConns:        20,
		MaxIdleConns:        5,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "hivecoord",
		SampleRate:   0.1,
	}
}
