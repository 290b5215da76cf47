package hive

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/consensus"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/router"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// DefaultCoordinatorID 协调者端点的默认 id
const DefaultCoordinatorID types.PrincipalID = "hive"

// Config 协调层配置
type Config struct {
	// CoordinatorID 协调者消息端点，不能与任何节点重名
	CoordinatorID types.PrincipalID
	Principals    []types.Principal
	// Peers 远端节点地址；列在这里的节点不在本进程创建
	Peers map[types.PrincipalID]string

	Registry  registry.Config
	Consensus consensus.Config
	Replica   consensus.ReplicaConfig
	Router    router.Config
	Dispatch  router.DispatchConfig
	Messaging messaging.Config
	Monitor   messaging.MonitorConfig

	// HeartbeatInterval 本地节点发送心跳的间隔，0 表示不发送
	HeartbeatInterval time.Duration
	// SignMessages 为本地节点生成 Ed25519 密钥并校验签名
	SignMessages bool
	// MaxBodySize 默认校验链的负载大小上限
	MaxBodySize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CoordinatorID:     DefaultCoordinatorID,
		Registry:          registry.DefaultConfig(),
		Consensus:         consensus.DefaultConfig(),
		Replica:           consensus.DefaultReplicaConfig(),
		Router:            router.DefaultConfig(),
		Dispatch:          router.DefaultDispatchConfig(),
		Messaging:         messaging.DefaultConfig(""),
		Monitor:           messaging.DefaultMonitorConfig(),
		HeartbeatInterval: time.Second,
		MaxBodySize:       1 << 20,
	}
}

// WorkHandler 本地节点收到路由投递的负载时调用。
// ctx 带有 types.DeliveryID，有副作用的 worker 应以它作幂等键
type WorkHandler func(ctx context.Context, principal types.PrincipalID, payload types.Payload) (json.RawMessage, error)

// Deps 外部依赖，全部可选
type Deps struct {
	// Transport 默认内存传输
	Transport messaging.Transport
	// Outbox 为每个本地节点创建可靠消息的 outbox，nil 使用内存实现
	Outbox func(id types.PrincipalID) messaging.Outbox
	// Log 决策与审计日志，默认内存实现
	Log       storage.Log
	Authority types.Authority
	// Validator 默认 validation.DefaultChain
	Validator types.Validator
	Metrics   *metrics.Collector
	// Worker 处理路由投递，默认直接接受
	Worker WorkHandler
	// OnMessage 处理 Send / Broadcast 的普通消息，默认直接接受
	OnMessage messaging.Handler
	Logger    *zap.Logger
}
