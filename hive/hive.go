package hive

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/consensus"
	"github.com/BaSui01/hivecoord/identity"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/router"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
	"github.com/BaSui01/hivecoord/validation"
)

// Snapshot 健康与指标快照，只读
type Snapshot struct {
	HealthyCount    int                 `json:"healthy_count"`
	QuarantinedIDs  []types.PrincipalID `json:"quarantined_ids"`
	OpenCircuits    []types.PrincipalID `json:"open_circuits"`
	// HalfOpenReady 冷却结束、等待试探的熔断节点
	HalfOpenReady   []types.PrincipalID `json:"half_open_ready"`
	CommittedRounds int64               `json:"committed_rounds"`
	AbortedRounds   int64               `json:"aborted_rounds"`
	EscalatedRounds int64               `json:"escalated_rounds"`
	OpenRounds      int                 `json:"open_rounds"`
	Principals      []types.Principal   `json:"principals"`
}

// Hive 协调层门面：组装注册表、消息节点、共识协调者与路由器
type Hive struct {
	config    Config
	registry  *registry.Registry
	transport messaging.Transport
	endpoint  *messaging.Node
	nodes     map[types.PrincipalID]*messaging.Node
	replicas  map[types.PrincipalID]*consensus.Replica

	coordinator *consensus.Coordinator
	router      *router.Router
	dispatcher  *router.Dispatcher
	monitor     *messaging.HeartbeatMonitor
	validator   types.Validator
	log         storage.Log
	metrics     *metrics.Collector
	logger      *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 按配置组装协调层；节点在 Start 之前不收发消息
func New(cfg Config, deps Deps) (*Hive, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CoordinatorID == "" {
		cfg.CoordinatorID = DefaultCoordinatorID
	}
	if len(cfg.Principals) == 0 {
		return nil, types.NewValidationError("at least one principal is required")
	}
	for _, p := range cfg.Principals {
		if p.ID == cfg.CoordinatorID {
			return nil, types.NewValidationError("principal %s collides with the coordinator endpoint", p.ID)
		}
	}

	h := &Hive{
		config:    cfg,
		transport: deps.Transport,
		nodes:     make(map[types.PrincipalID]*messaging.Node),
		replicas:  make(map[types.PrincipalID]*consensus.Replica),
		validator: deps.Validator,
		log:       deps.Log,
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "hive")),
	}
	if h.transport == nil {
		h.transport = messaging.NewMemoryTransport(logger)
	}
	if h.log == nil {
		h.log = storage.NewMemoryLog()
	}
	if h.validator == nil {
		h.validator = validation.DefaultChain(cfg.MaxBodySize)
	}

	h.registry = registry.New(cfg.Registry, logger)
	if err := h.registry.Bootstrap(cfg.Principals); err != nil {
		return nil, err
	}
	h.registry.Subscribe(func(registry.HealthChange) {
		h.metrics.SetHealthyPrincipals(h.registry.HealthyCount())
	})
	h.metrics.SetHealthyPrincipals(h.registry.HealthyCount())

	if ws, ok := h.transport.(*messaging.WebSocketTransport); ok {
		for id, url := range cfg.Peers {
			ws.AddPeer(id, url)
		}
	}

	var signers map[types.PrincipalID]*identity.Ed25519Signer
	var ring *identity.KeyRing
	if cfg.SignMessages {
		ids := append(h.localIDs(), cfg.CoordinatorID)
		var err error
		if signers, ring, err = identity.Generate(ids...); err != nil {
			return nil, err
		}
	}

	h.router = router.New(cfg.Router, h.registry, logger, router.WithMetrics(h.metrics))

	worker := deps.Worker
	if worker == nil {
		worker = func(context.Context, types.PrincipalID, types.Payload) (json.RawMessage, error) { return nil, nil }
	}
	fallback := deps.OnMessage
	if fallback == nil {
		fallback = func(context.Context, *messaging.Message) (json.RawMessage, error) { return nil, nil }
	}

	for _, id := range h.localIDs() {
		opts := []messaging.Option{messaging.WithMetrics(h.metrics)}
		var replicaOpts []consensus.ReplicaOption
		if signers != nil {
			opts = append(opts, messaging.WithSigner(signers[id]), messaging.WithVerifier(ring))
			replicaOpts = append(replicaOpts, consensus.WithReplicaSigner(signers[id]), consensus.WithReplicaVerifier(ring))
		}
		if deps.Outbox != nil {
			opts = append(opts, messaging.WithOutbox(deps.Outbox(id)))
		}
		nodeCfg := cfg.Messaging
		nodeCfg.ID = id
		nodeCfg.HeartbeatTo = []types.PrincipalID{cfg.CoordinatorID}
		node, err := messaging.NewNode(nodeCfg, h.transport, h.registry, logger, opts...)
		if err != nil {
			return nil, err
		}

		mux := messaging.NewTopicMux(fallback)
		replica := consensus.NewReplica(id, cfg.Replica, h.registry, logger,
			append(replicaOpts, consensus.WithReplicaValidator(h.validator))...)
		replica.Register(mux)
		mux.Handle(router.TopicDeliver, deliverHandler(id, worker))
		node.OnMessage(messaging.TypeRequest, mux.Serve)
		node.OnMessage(messaging.TypeBroadcast, mux.Serve)

		h.nodes[id] = node
		h.replicas[id] = replica
	}

	endpointCfg := cfg.Messaging
	endpointCfg.ID = cfg.CoordinatorID
	endpointCfg.HeartbeatTo = nil
	endpointOpts := []messaging.Option{messaging.WithMetrics(h.metrics)}
	coordOpts := []consensus.Option{
		consensus.WithValidator(h.validator),
		consensus.WithViability(h.router),
		consensus.WithAuditLog(h.log),
		consensus.WithMetrics(h.metrics),
	}
	if signers != nil {
		endpointOpts = append(endpointOpts, messaging.WithSigner(signers[cfg.CoordinatorID]), messaging.WithVerifier(ring))
		coordOpts = append(coordOpts, consensus.WithSigner(signers[cfg.CoordinatorID]), consensus.WithVerifier(ring))
	}
	if deps.Authority != nil {
		coordOpts = append(coordOpts, consensus.WithAuthority(deps.Authority))
	}
	if deps.Outbox != nil {
		endpointOpts = append(endpointOpts, messaging.WithOutbox(deps.Outbox(cfg.CoordinatorID)))
	}
	endpoint, err := messaging.NewNode(endpointCfg, h.transport, h.registry, logger, endpointOpts...)
	if err != nil {
		return nil, err
	}
	h.endpoint = endpoint
	coordOpts = append(coordOpts, consensus.WithSender(endpoint))

	coordinator, err := consensus.NewCoordinator(cfg.Consensus, h.registry, logger, coordOpts...)
	if err != nil {
		return nil, err
	}
	h.coordinator = coordinator
	h.dispatcher = router.NewDispatcher(h.router, endpoint, cfg.Dispatch, logger, router.WithDispatchMetrics(h.metrics))

	monitorCfg := cfg.Monitor
	monitorCfg.Self = cfg.CoordinatorID
	h.monitor = messaging.NewHeartbeatMonitor(monitorCfg, h.registry, h.metrics, logger)
	h.monitor.Observe(endpoint)

	return h, nil
}

// deliverHandler 解码路由投递的负载并交给 worker。
// 投递至少一次：级联某跳超时后下一跳可能重复执行，worker 用
// types.DeliveryID 取到的消息 ID 去重，同一次投递的所有跳共享该值
func deliverHandler(id types.PrincipalID, worker WorkHandler) messaging.Handler {
	return func(ctx context.Context, msg *messaging.Message) (json.RawMessage, error) {
		var p types.Payload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, types.NewValidationError("decode payload: %v", err)
		}
		return worker(types.WithDeliveryID(ctx, msg.ID), id, p)
	}
}

// localIDs 在本进程创建节点的 principal，按 id 排序
func (h *Hive) localIDs() []types.PrincipalID {
	ids := make([]types.PrincipalID, 0, len(h.config.Principals))
	for _, p := range h.config.Principals {
		if _, remote := h.config.Peers[p.ID]; !remote {
			ids = append(ids, p.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// 🔄 Lifecycle
// =============================================================================

// Start 启动全部节点、心跳与健康检测
func (h *Hive) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return types.NewError(types.ErrClosed, "hive stopped")
	}
	if h.started {
		return nil
	}

	if err := h.endpoint.Start(ctx); err != nil {
		return err
	}
	for _, id := range h.localIDs() {
		if err := h.nodes[id].Start(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	if h.config.HeartbeatInterval > 0 {
		for _, id := range h.localIDs() {
			if err := h.nodes[id].StartHeartbeat(runCtx, h.config.HeartbeatInterval); err != nil {
				cancel()
				return err
			}
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.monitor.Run(runCtx)
		}()
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.releaseLoop(runCtx)
	}()

	h.started = true
	h.logger.Info("hive started",
		zap.Int("principals", len(h.config.Principals)),
		zap.Int("local", len(h.nodes)),
		zap.String("coordinator", string(h.config.CoordinatorID)))
	return nil
}

// releaseLoop 定期解除到期的隔离
func (h *Hive) releaseLoop(ctx context.Context) {
	interval := h.config.Monitor.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range h.registry.ReleaseExpired(now) {
				h.logger.Warn("quarantine expired", zap.String("principal_id", string(id)))
			}
		}
	}
}

// Stop 中止进行中的轮次并关闭全部节点
func (h *Hive) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	_ = h.coordinator.Close()
	for _, node := range h.nodes {
		_ = node.Close()
	}
	_ = h.endpoint.Close()
	if err := h.transport.Close(); err != nil {
		h.logger.Warn("transport close failed", zap.Error(err))
	}
	if err := h.log.Close(); err != nil {
		h.logger.Warn("decision log close failed", zap.Error(err))
	}
	h.logger.Info("hive stopped")
	return nil
}

// =============================================================================
// 🎯 Exposed API
// =============================================================================

// Route 校验负载并给出路由决策
func (h *Hive) Route(ctx context.Context, payload types.Payload, criticality types.Criticality) (*router.Decision, error) {
	if err := validation.Require(ctx, h.validator, payload); err != nil {
		return nil, err
	}
	return h.router.Route(ctx, payload, criticality)
}

// RouteAndDeliver 路由并投递。没有可选目标时返回 NO_ELIGIBLE_TARGETS，
// 冷却结束的熔断节点已经参与评分，试探名额由投递器经熔断器申请
func (h *Hive) RouteAndDeliver(ctx context.Context, payload types.Payload, criticality types.Criticality) (*router.Delivery, error) {
	dec, err := h.Route(ctx, payload, criticality)
	if err != nil {
		return nil, err
	}
	return h.dispatcher.Deliver(ctx, dec, payload)
}

// Propose 发起共识提案
func (h *Hive) Propose(ctx context.Context, payload types.Payload, proposer types.PrincipalID, opts ...consensus.ProposeOption) (consensus.ProposalID, error) {
	return h.coordinator.Propose(ctx, payload, proposer, opts...)
}

// GetDecision 查询提案状态
func (h *Hive) GetDecision(id consensus.ProposalID) (consensus.Decision, error) {
	return h.coordinator.GetDecision(id)
}

// Await 等待提案（含视图变更后的继任提案）得出最终结果
func (h *Hive) Await(ctx context.Context, id consensus.ProposalID) (consensus.Decision, error) {
	return h.coordinator.Await(ctx, id)
}

// Send 从协调者端点发送点对点消息
func (h *Hive) Send(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error) {
	return h.endpoint.Send(ctx, msg)
}

// Broadcast 从协调者端点向全部健康节点广播
func (h *Hive) Broadcast(ctx context.Context, msg *messaging.Message) (*messaging.AckSet, error) {
	return h.endpoint.Broadcast(ctx, msg)
}

// Snapshot 返回健康与轮次统计，不产生副作用
func (h *Hive) Snapshot() Snapshot {
	stats := h.coordinator.Stats()
	quarantined := h.registry.QuarantinedIDs()
	if quarantined == nil {
		quarantined = []types.PrincipalID{}
	}
	open := h.router.OpenCircuits()
	if open == nil {
		open = []types.PrincipalID{}
	}
	ready := h.router.HalfOpenCandidates()
	if ready == nil {
		ready = []types.PrincipalID{}
	}
	return Snapshot{
		HealthyCount:    h.registry.HealthyCount(),
		QuarantinedIDs:  quarantined,
		OpenCircuits:    open,
		HalfOpenReady:   ready,
		CommittedRounds: stats.Committed,
		AbortedRounds:   stats.Aborted,
		EscalatedRounds: stats.Escalated,
		OpenRounds:      stats.Open,
		Principals:      h.registry.Principals(),
	}
}

// Registry 返回节点注册表
func (h *Hive) Registry() *registry.Registry { return h.registry }

// Router 返回路由器
func (h *Hive) Router() *router.Router { return h.router }

// Coordinator 返回共识协调者
func (h *Hive) Coordinator() *consensus.Coordinator { return h.coordinator }

// Replica 返回本地节点的共识副本
func (h *Hive) Replica(id types.PrincipalID) (*consensus.Replica, bool) {
	r, ok := h.replicas[id]
	return r, ok
}

// Decisions 返回最近的决策记录
func (h *Hive) Decisions(ctx context.Context, limit int) ([]storage.DecisionRecord, error) {
	return h.log.Decisions(ctx, limit)
}

// AuditTrail 返回一个轮次的审计事件
func (h *Hive) AuditTrail(ctx context.Context, roundID string) ([]storage.AuditEvent, error) {
	return h.log.AuditTrail(ctx, roundID)
}
