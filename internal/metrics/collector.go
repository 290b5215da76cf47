// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 所有 Record 方法对 nil 接收者安全，组件可在未启用指标时传入 nil。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 共识指标
	roundsTotal       *prometheus.CounterVec
	roundDuration     *prometheus.HistogramVec
	votesTotal        *prometheus.CounterVec
	violationsTotal   *prometheus.CounterVec
	quarantinesTotal  prometheus.Counter
	viewChangesTotal  prometheus.Counter
	escalationsTotal  *prometheus.CounterVec
	healthyPrincipals prometheus.Gauge

	// 路由指标
	routesTotal        *prometheus.CounterVec
	routeFailuresTotal *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	duplicatesTotal    prometheus.Counter

	// 消息指标
	messagesTotal     *prometheus.CounterVec
	retransmitsTotal  prometheus.Counter
	deliveryDuration  *prometheus.HistogramVec
	heartbeatsMissed  *prometheus.CounterVec
	syncRequestsTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 共识指标
	c.roundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Consensus rounds by terminal status",
		},
		[]string{"status"},
	)

	c.roundDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Time from proposal to terminal status",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	c.votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Votes received by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	c.violationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "byzantine_violations_total",
			Help:      "Detected Byzantine violations by kind",
		},
		[]string{"kind"},
	)

	c.quarantinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "quarantines_total",
		Help:      "Principals quarantined",
	})

	c.viewChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "view_changes_total",
		Help:      "View changes triggered by quorum loss",
	})

	c.escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "escalations_total",
			Help:      "Recovery escalations by path",
		},
		[]string{"path"},
	)

	c.healthyPrincipals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "healthy_principals",
		Help:      "Principals currently counted towards quorum",
	})

	// 路由指标
	c.routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "routes_total",
			Help:      "Routing decisions by strategy and criticality",
		},
		[]string{"strategy", "criticality"},
	)

	c.routeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "failures_total",
			Help:      "Routing failures by error code",
		},
		[]string{"code"},
	)

	c.circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per principal (0 closed, 1 open, 2 half-open)",
		},
		[]string{"principal"},
	)

	c.duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "discarded_duplicates_total",
		Help:      "Late responses discarded by redundant delivery",
	})

	// 消息指标
	c.messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Messages sent by type, reliability and result",
		},
		[]string{"type", "reliability", "result"},
	)

	c.retransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messaging",
		Name:      "retransmits_total",
		Help:      "Retransmissions of unacknowledged messages",
	})

	c.deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "ack_latency_seconds",
			Help:      "Time from first transmission to acknowledgement",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"reliability"},
	)

	c.heartbeatsMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "liveness_transitions_total",
			Help:      "Health transitions caused by missed heartbeats",
		},
		[]string{"to"},
	)

	c.syncRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messaging",
		Name:      "sync_requests_total",
		Help:      "Gap-triggered synchronisation requests",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗳️ 共识指标记录
// =============================================================================

// RecordRound 记录轮次终态
func (c *Collector) RecordRound(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.roundsTotal.WithLabelValues(status).Inc()
	c.roundDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordVote 记录投票
func (c *Collector) RecordVote(phase, outcome string) {
	if c == nil {
		return
	}
	c.votesTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordViolation 记录拜占庭违规
func (c *Collector) RecordViolation(kind string) {
	if c == nil {
		return
	}
	c.violationsTotal.WithLabelValues(kind).Inc()
}

// RecordQuarantine 记录隔离
func (c *Collector) RecordQuarantine() {
	if c == nil {
		return
	}
	c.quarantinesTotal.Inc()
}

// RecordViewChange 记录视图切换
func (c *Collector) RecordViewChange() {
	if c == nil {
		return
	}
	c.viewChangesTotal.Inc()
}

// RecordEscalation 记录恢复升级路径（emergency / authority）
func (c *Collector) RecordEscalation(path string) {
	if c == nil {
		return
	}
	c.escalationsTotal.WithLabelValues(path).Inc()
}

// SetHealthyPrincipals 更新健康节点数
func (c *Collector) SetHealthyPrincipals(n int) {
	if c == nil {
		return
	}
	c.healthyPrincipals.Set(float64(n))
}

// =============================================================================
// 🧭 路由指标记录
// =============================================================================

// RecordRoute 记录路由决策
func (c *Collector) RecordRoute(strategy, criticality string) {
	if c == nil {
		return
	}
	c.routesTotal.WithLabelValues(strategy, criticality).Inc()
}

// RecordRouteFailure 记录路由失败
func (c *Collector) RecordRouteFailure(code string) {
	if c == nil {
		return
	}
	c.routeFailuresTotal.WithLabelValues(code).Inc()
}

// SetCircuitState 更新熔断器状态
func (c *Collector) SetCircuitState(principal string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(principal).Set(float64(state))
}

// RecordDiscardedDuplicate 记录被丢弃的冗余响应
func (c *Collector) RecordDiscardedDuplicate() {
	if c == nil {
		return
	}
	c.duplicatesTotal.Inc()
}

// =============================================================================
// ✉️ 消息指标记录
// =============================================================================

// RecordMessage 记录消息发送结果
func (c *Collector) RecordMessage(msgType, reliability, result string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(msgType, reliability, result).Inc()
}

// RecordRetransmit 记录重传
func (c *Collector) RecordRetransmit() {
	if c == nil {
		return
	}
	c.retransmitsTotal.Inc()
}

// RecordAckLatency 记录确认延迟
func (c *Collector) RecordAckLatency(reliability string, d time.Duration) {
	if c == nil {
		return
	}
	c.deliveryDuration.WithLabelValues(reliability).Observe(d.Seconds())
}

// RecordLivenessTransition 记录心跳缺失导致的状态迁移
func (c *Collector) RecordLivenessTransition(to string) {
	if c == nil {
		return
	}
	c.heartbeatsMissed.WithLabelValues(to).Inc()
}

// RecordSyncRequest 记录同步请求
func (c *Collector) RecordSyncRequest() {
	if c == nil {
		return
	}
	c.syncRequestsTotal.Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
