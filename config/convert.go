package config

import (
	"github.com/BaSui01/hivecoord/circuitbreaker"
	"github.com/BaSui01/hivecoord/consensus"
	"github.com/BaSui01/hivecoord/hive"
	"github.com/BaSui01/hivecoord/internal/database"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/router"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 🔄 配置转换
// =============================================================================
// 零值字段交给各组件构造函数补默认值

// ToConsensusConfig 转换为共识协调者配置
func (c *Config) ToConsensusConfig() consensus.Config {
	cc := c.Consensus
	out := consensus.DefaultConfig()
	out.TTL = cc.TTL
	out.ViewTimeout = cc.ViewTimeout
	out.MaxViewChanges = cc.MaxViewChanges
	out.MinEmergencyNodes = cc.MinEmergencyNodes
	out.AuthorityTimeout = cc.AuthorityTimeout
	out.ViolationThreshold = cc.ViolationThreshold
	out.ViolationPenalty = cc.ViolationPenalty
	out.CommitReward = cc.CommitReward
	out.UnresponsiveRounds = cc.UnresponsiveRounds
	out.QuarantineFor = c.Cluster.QuarantineFor
	out.RequireSignatures = cc.RequireSignatures
	out.DecisionCacheSize = cc.DecisionCacheSize
	out.RetainFor = cc.RetainFor
	return out
}

// ToRouterConfig 转换为路由器配置
func (c *Config) ToRouterConfig() router.Config {
	rc := c.Router
	out := router.DefaultConfig()
	out.Weights = rc.Weights.ToWeights()
	out.TopK = rc.TopK
	out.RedundantPaths = rc.RedundantPaths
	out.MaxHops = rc.MaxHops
	out.Window = rc.Window
	out.LatencyCeiling = rc.LatencyCeiling
	out.Breaker = circuitbreaker.Config{
		Threshold:     rc.BreakerThreshold,
		RetryAfter:    rc.BreakerRetryAfter,
		MaxRetryAfter: rc.BreakerMaxRetryAfter,
		Multiplier:    rc.BreakerMultiplier,
	}
	return out
}

// ToWeights 转换为路由评分权重
func (w WeightsConfig) ToWeights() router.Weights {
	return router.Weights{
		Domain:      w.Domain,
		Load:        w.Load,
		Reliability: w.Reliability,
		Latency:     w.Latency,
		Context:     w.Context,
	}
}

// ToMessagingConfig 转换为节点消息配置，ID 由 hive 按节点填写
func (c *Config) ToMessagingConfig() messaging.Config {
	mc := c.Messaging
	out := messaging.DefaultConfig("")
	out.DefaultTTL = mc.DefaultTTL
	out.Retry.MaxRetries = mc.MaxRetries
	if mc.RetryInitialDelay > 0 {
		out.Retry.InitialDelay = mc.RetryInitialDelay
	}
	if mc.RetryMaxDelay > 0 {
		out.Retry.MaxDelay = mc.RetryMaxDelay
	}
	out.MaxHops = c.Router.MaxHops
	out.InboxCapacity = mc.InboxCapacity
	out.DedupSize = mc.DedupSize
	out.DedupWindow = mc.DedupWindow
	out.GapTimeout = mc.GapTimeout
	return out
}

// ToHiveConfig 组装协调层配置
func (c *Config) ToHiveConfig() (hive.Config, error) {
	reliability, err := parseReliability(c.Messaging.DeliveryReliability)
	if err != nil {
		return hive.Config{}, err
	}

	out := hive.DefaultConfig()
	if c.Cluster.CoordinatorID != "" {
		out.CoordinatorID = types.PrincipalID(c.Cluster.CoordinatorID)
	}
	out.Principals = append([]types.Principal(nil), c.Cluster.Principals...)
	if len(c.Cluster.Peers) > 0 {
		out.Peers = make(map[types.PrincipalID]string, len(c.Cluster.Peers))
		for id, url := range c.Cluster.Peers {
			out.Peers[types.PrincipalID(id)] = url
		}
	}

	out.Registry = registry.DefaultConfig()
	if c.Cluster.InitialTrust > 0 {
		out.Registry.InitialTrust = c.Cluster.InitialTrust
	}
	out.Registry.QuarantineFor = c.Cluster.QuarantineFor

	out.Consensus = c.ToConsensusConfig()
	out.Router = c.ToRouterConfig()
	out.Dispatch = router.DispatchConfig{Reliability: reliability, TTL: c.Messaging.DeliveryTTL}
	out.Messaging = c.ToMessagingConfig()
	out.Monitor = messaging.DefaultMonitorConfig()
	if c.Messaging.MonitorInterval > 0 {
		out.Monitor.Interval = c.Messaging.MonitorInterval
	}
	if c.Messaging.DegradedAfter > 0 {
		out.Monitor.DegradedAfter = c.Messaging.DegradedAfter
	}
	if c.Messaging.OfflineAfter > 0 {
		out.Monitor.OfflineAfter = c.Messaging.OfflineAfter
	}

	out.HeartbeatInterval = c.Cluster.HeartbeatInterval
	out.SignMessages = c.Cluster.SignMessages
	if c.Server.MaxBodyBytes > 0 {
		out.MaxBodySize = int(c.Server.MaxBodyBytes)
	}
	return out, nil
}

// ToStorageConfig 转换为决策日志配置
func (c *Config) ToStorageConfig() storage.Config {
	d := c.Database
	pool := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		pool.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		pool.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if d.ConnMaxIdleTime > 0 {
		pool.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	pool.HealthCheckInterval = d.HealthCheckInterval
	return storage.Config{Driver: d.Driver, DSN: d.DSN(), Pool: pool}
}

// ToRedisOptions 转换为 Redis outbox 连接参数
func (c *Config) ToRedisOptions() messaging.RedisOptions {
	return messaging.RedisOptions{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		PoolSize:  c.Redis.PoolSize,
		KeyPrefix: c.Redis.KeyPrefix,
		TLS:       c.Redis.TLS,
	}
}

// ToWSConfig 转换为 WebSocket 传输配置
func (c *Config) ToWSConfig() messaging.WSConfig {
	ws := messaging.DefaultWSConfig()
	if c.Server.MaxBodyBytes > 0 {
		// 帧里还有信封与签名
		ws.ReadLimit = c.Server.MaxBodyBytes * 2
	}
	return ws
}

func parseReliability(s string) (messaging.Reliability, error) {
	return messaging.ParseReliability(s)
}
