package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/types"
)

// heartbeatBody 心跳负载
type heartbeatBody struct {
	SentAt time.Time `json:"sent_at"`
}

// StartHeartbeat 按固定间隔向 HeartbeatTo（默认全部其他节点）发送 best_effort 心跳，
// 直到 ctx 取消或节点关闭
func (n *Node) StartHeartbeat(ctx context.Context, interval time.Duration) error {
	nodeCtx, err := n.running()
	if err != nil {
		return err
	}
	if interval <= 0 {
		return types.NewValidationError("heartbeat interval must be positive")
	}

	ok := n.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		n.emitHeartbeats(nodeCtx, interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-nodeCtx.Done():
				return
			case <-ticker.C:
				n.emitHeartbeats(nodeCtx, interval)
			}
		}
	})
	if !ok {
		return types.NewError(types.ErrClosed, "node closed")
	}
	n.logger.Info("heartbeat started", zap.Duration("interval", interval))
	return nil
}

func (n *Node) heartbeatTargets() []types.PrincipalID {
	if len(n.config.HeartbeatTo) > 0 {
		return n.config.HeartbeatTo
	}
	principals := n.health.Principals()
	out := make([]types.PrincipalID, 0, len(principals))
	for _, p := range principals {
		if p.ID != n.id {
			out = append(out, p.ID)
		}
	}
	return out
}

func (n *Node) emitHeartbeats(ctx context.Context, interval time.Duration) {
	body, _ := json.Marshal(heartbeatBody{SentAt: n.config.Now()})
	for _, target := range n.heartbeatTargets() {
		msg := &Message{
			Type:        TypeHeartbeat,
			Target:      target,
			Payload:     body,
			Priority:    types.PriorityHigh,
			Reliability: BestEffort,
			TTL:         interval * 2,
		}
		if _, err := n.Send(ctx, msg); err != nil {
			n.logger.Debug("heartbeat not delivered", zap.String("target", string(target)), zap.Error(err))
		}
	}
}

// =============================================================================
// 💓 Liveness monitor
// =============================================================================

// LivenessTable 心跳监控需要的注册表能力，*registry.Registry 满足该接口
type LivenessTable interface {
	Principals() []types.Principal
	RecordHeartbeat(id types.PrincipalID, at time.Time) error
	LastHeartbeat(id types.PrincipalID) (time.Time, bool)
	SetHealth(id types.PrincipalID, to types.HealthState, reason string) error
}

// MonitorConfig 心跳监控配置
type MonitorConfig struct {
	Interval      time.Duration `json:"interval"`
	DegradedAfter int           `json:"degraded_after"`
	OfflineAfter  int           `json:"offline_after"`
	// Self 不参与检测的本地节点
	Self types.PrincipalID `json:"self,omitempty"`
	Now  func() time.Time  `json:"-"`
}

// DefaultMonitorConfig 1s 间隔，缺 3 次 degraded，缺 5 次 offline
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      time.Second,
		DegradedAfter: 3,
		OfflineAfter:  5,
		Now:           time.Now,
	}
}

// HeartbeatMonitor 根据心跳缺失次数驱动节点健康状态
type HeartbeatMonitor struct {
	config  MonitorConfig
	table   LivenessTable
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	started time.Time
}

// NewHeartbeatMonitor 创建心跳监控
func NewHeartbeatMonitor(config MonitorConfig, table LivenessTable, collector *metrics.Collector, logger *zap.Logger) *HeartbeatMonitor {
	d := DefaultMonitorConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = d.DegradedAfter
	}
	if config.OfflineAfter <= config.DegradedAfter {
		config.OfflineAfter = config.DegradedAfter + 2
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatMonitor{
		config:  config,
		table:   table,
		logger:  logger.With(zap.String("component", "heartbeat_monitor")),
		metrics: collector,
		started: config.Now(),
	}
}

// Observe 在节点上注册心跳处理函数，入站心跳写入注册表
func (m *HeartbeatMonitor) Observe(n *Node) {
	n.OnMessage(TypeHeartbeat, func(_ context.Context, msg *Message) (json.RawMessage, error) {
		return nil, m.Beat(msg.Source, m.config.Now())
	})
}

// Beat 记录一次心跳
func (m *HeartbeatMonitor) Beat(id types.PrincipalID, at time.Time) error {
	return m.table.RecordHeartbeat(id, at)
}

// Check 按缺失的心跳间隔数更新健康状态，返回发生变化的节点
func (m *HeartbeatMonitor) Check(now time.Time) map[types.PrincipalID]types.HealthState {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	changed := make(map[types.PrincipalID]types.HealthState)
	for _, p := range m.table.Principals() {
		if p.ID == m.config.Self || p.Health == types.HealthQuarantined {
			continue
		}
		last := p.LastHeartbeat
		if last.IsZero() {
			last = started
		}
		missed := int(now.Sub(last) / m.config.Interval)

		var to types.HealthState
		switch {
		case missed >= m.config.OfflineAfter:
			to = types.HealthOffline
		case missed >= m.config.DegradedAfter:
			to = types.HealthDegraded
		default:
			continue
		}
		if p.Health == to || (p.Health == types.HealthOffline && to == types.HealthDegraded) {
			continue
		}
		if err := m.table.SetHealth(p.ID, to, "missed heartbeats"); err != nil {
			m.logger.Debug("health update skipped", zap.String("principal_id", string(p.ID)), zap.Error(err))
			continue
		}
		changed[p.ID] = to
		m.metrics.RecordLivenessTransition(string(to))
		m.logger.Warn("principal missed heartbeats",
			zap.String("principal_id", string(p.ID)),
			zap.Int("missed", missed),
			zap.String("health", string(to)))
	}
	return changed
}

// Run 每个心跳间隔执行一次 Check，直到 ctx 取消
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.started = m.config.Now()
	m.mu.Unlock()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(m.config.Now())
		}
	}
}
