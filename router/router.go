package router

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/circuitbreaker"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/types"
)

// Option 路由器可选依赖
type Option func(*Router)

// WithMetrics 挂载指标收集器
func WithMetrics(m *metrics.Collector) Option { return func(r *Router) { r.metrics = m } }

// Router 上下文路由器
// 按领域相关度、负载、可靠性、延迟与上下文匹配为健康节点打分，
// 再按负载的关键程度选择投递策略。熔断器只由投递结果驱动。
type Router struct {
	config   Config
	weights  atomic.Pointer[Weights]
	health   registry.HealthView
	breakers *circuitbreaker.Table
	stats    *statsTable
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New 创建路由器
func New(config Config, health registry.HealthView, logger *zap.Logger, opts ...Option) *Router {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		config: config,
		health: health,
		stats:  newStatsTable(config.Window),
		logger: logger.With(zap.String("component", "router")),
	}
	w := config.Weights
	r.weights.Store(&w)
	for _, opt := range opts {
		opt(r)
	}

	bc := config.Breaker
	next := bc.OnStateChange
	bc.OnStateChange = func(id types.PrincipalID, from, to circuitbreaker.State) {
		r.metrics.SetCircuitState(string(id), int(to))
		r.logger.Info("circuit state changed",
			zap.String("principal_id", string(id)),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if next != nil {
			next(id, from, to)
		}
	}
	r.breakers = circuitbreaker.NewTable(bc, logger)
	return r
}

// =============================================================================
// 🎯 Route
// =============================================================================

// Route 为负载选择投递策略与目标
func (r *Router) Route(ctx context.Context, payload types.Payload, criticality types.Criticality) (*Decision, error) {
	_, span := otel.Tracer("hivecoord/router").Start(ctx, "router.route")
	defer span.End()

	dec, err := r.route(payload, criticality)
	if err != nil {
		r.metrics.RecordRouteFailure(string(types.GetErrorCode(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payload_id", dec.PayloadID),
		attribute.String("strategy", string(dec.Strategy)),
		attribute.String("criticality", string(dec.Criticality)),
		attribute.Int("targets", len(dec.Targets)),
	)
	r.metrics.RecordRoute(string(dec.Strategy), string(dec.Criticality))
	r.logger.Debug("payload routed",
		zap.String("payload_id", dec.PayloadID),
		zap.String("strategy", string(dec.Strategy)),
		zap.Any("targets", dec.Targets))
	return dec, nil
}

func (r *Router) route(payload types.Payload, criticality types.Criticality) (*Decision, error) {
	if payload.ID == "" {
		return nil, types.NewValidationError("payload id is required")
	}
	crit, err := types.ParseCriticality(string(criticality))
	if err != nil {
		return nil, err
	}

	ranked := r.Rank(payload)
	if len(ranked) == 0 {
		return nil, types.NewNoEligibleTargetsError("no eligible principal for payload %s", payload.ID)
	}

	strategy := selectStrategy(payload, crit)
	var chosen []Score
	switch strategy {
	case StrategyCascade:
		chosen = head(ranked, r.config.MaxHops)
	case StrategyRedundant:
		chosen = head(ranked, r.config.RedundantPaths)
	case StrategyBroadcast:
		chosen = ranked
	default:
		k := 1
		if crit == types.CriticalityHigh {
			k = r.config.TopK
		}
		chosen = head(ranked, k)
	}

	targets := make([]types.PrincipalID, len(chosen))
	for i, s := range chosen {
		targets[i] = s.PrincipalID
	}
	return &Decision{
		PayloadID:   payload.ID,
		Strategy:    strategy,
		Criticality: crit,
		Targets:     targets,
		Scores:      chosen,
		DecidedAt:   r.config.Now(),
	}, nil
}

// selectStrategy 独占负载只能串行级联，其余按关键程度
func selectStrategy(payload types.Payload, crit types.Criticality) Strategy {
	if payload.Exclusive {
		return StrategyCascade
	}
	switch crit {
	case types.CriticalityCritical:
		return StrategyRedundant
	case types.CriticalityLow:
		return StrategyBroadcast
	default:
		return StrategyTargeted
	}
}

func head(s []Score, n int) []Score {
	if n > len(s) {
		n = len(s)
	}
	return append([]Score(nil), s[:n]...)
}

// Rank 返回全部可选节点的评分，按 分数降序、负载升序、ID 升序 排列
func (r *Router) Rank(payload types.Payload) []Score {
	principals := r.health.Principals()
	scores := make([]Score, 0, len(principals))
	for _, p := range principals {
		if !r.eligible(p) {
			continue
		}
		scores = append(scores, r.score(p, payload))
	}
	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		// 负载分越高表示越空闲
		if a.Load != b.Load {
			return a.Load > b.Load
		}
		return a.PrincipalID < b.PrincipalID
	})
	return scores
}

func (r *Router) eligible(p types.Principal) bool {
	if !p.Health.IsLive() || !r.health.IsEligible(p.ID) {
		return false
	}
	return r.breakers.Get(p.ID).Eligible()
}

func (r *Router) score(p types.Principal, payload types.Payload) Score {
	st := r.stats.get(p.ID).snapshot()
	w := *r.weights.Load()

	capacity := p.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	load := clamp01(float64(st.InFlight) / float64(capacity))

	// 无延迟数据，给予中等分数
	latency := 0.5
	if st.Samples > 0 {
		latency = clamp01(float64(st.AvgLatency) / float64(r.config.LatencyCeiling))
	}

	s := Score{
		PrincipalID: p.ID,
		Domain:      domainRelevance(p, payload),
		Load:        1 - load,
		Reliability: st.Reliability,
		Latency:     1 - latency,
		Context:     contextMatch(p, payload),
	}
	s.Total = w.Domain*s.Domain + w.Load*s.Load + w.Reliability*s.Reliability +
		w.Latency*s.Latency + w.Context*s.Context
	return s
}

// domainRelevance 领域命中与关键词重叠各占一半；负载无关键词时只看领域
func domainRelevance(p types.Principal, payload types.Payload) float64 {
	match := 0.0
	if payload.Domain != "" && strings.EqualFold(p.Domain, payload.Domain) {
		match = 1
	}
	if len(payload.Keywords) == 0 {
		return match
	}
	vocab := wordSet(p.Keywords, p.Capabilities, []string{p.Domain})
	return 0.5*match + 0.5*overlap(payload.Keywords, vocab)
}

func contextMatch(p types.Principal, payload types.Payload) float64 {
	if len(payload.ContextTags) == 0 {
		return 0
	}
	return overlap(payload.ContextTags, wordSet(p.Capabilities, p.Keywords))
}

func wordSet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, l := range lists {
		for _, w := range l {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				set[w] = struct{}{}
			}
		}
	}
	return set
}

// overlap words 中出现在 vocab 里的比例（重复词只计一次）
func overlap(words []string, vocab map[string]struct{}) float64 {
	seen := wordSet(words)
	if len(seen) == 0 {
		return 0
	}
	hit := 0
	for w := range seen {
		if _, ok := vocab[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(seen))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Weights 返回当前评分权重
func (r *Router) Weights() Weights {
	return *r.weights.Load()
}

// SetWeights 运行时替换评分权重，配置热更新时调用
func (r *Router) SetWeights(w Weights) error {
	if w.Domain < 0 || w.Load < 0 || w.Reliability < 0 || w.Latency < 0 || w.Context < 0 {
		return types.NewValidationError("router weights must not be negative")
	}
	if w.sum() <= 0 {
		return types.NewValidationError("router weights must not all be zero")
	}
	r.weights.Store(&w)
	r.logger.Info("router weights updated", zap.Any("weights", w))
	return nil
}

// =============================================================================
// 📈 Outcomes & circuits
// =============================================================================

// ReportOutcome 记录一次投递结果，更新滚动窗口与熔断器
func (r *Router) ReportOutcome(id types.PrincipalID, success bool, latency time.Duration) error {
	if _, ok := r.health.Get(id); !ok {
		return types.Errorf(types.ErrNotFound, "unknown principal %s", id).WithPrincipal(id)
	}
	if latency < 0 {
		latency = 0
	}
	r.stats.get(id).record(success, latency)
	r.breakers.Get(id).Record(success)
	return nil
}

// Acquire 标记一次进行中的投递，返回的函数可重复调用
func (r *Router) Acquire(id types.PrincipalID) func() {
	return r.stats.acquire(id)
}

// Allow 投递前向熔断器申请放行；半开状态占用唯一的试探名额
func (r *Router) Allow(id types.PrincipalID) error {
	return r.breakers.Get(id).Allow()
}

// Stats 返回节点统计
func (r *Router) Stats(id types.PrincipalID) Stats {
	return r.stats.get(id).snapshot()
}

// IsViable 节点的熔断器是否允许投递
func (r *Router) IsViable(id types.PrincipalID) bool {
	return r.breakers.Get(id).Eligible()
}

// HalfOpenCandidates 熔断未闭合、冷却已结束且试探名额空闲的健康节点。
// 它们照常参与评分，下一次投递经 Allow 占用唯一的试探名额。
func (r *Router) HalfOpenCandidates() []types.PrincipalID {
	var out []types.PrincipalID
	for _, id := range r.breakers.OpenIDs() {
		if r.health.IsEligible(id) && r.breakers.Get(id).Eligible() {
			out = append(out, id)
		}
	}
	return out
}

// OpenCircuits 返回未闭合的熔断器
func (r *Router) OpenCircuits() []types.PrincipalID {
	return r.breakers.OpenIDs()
}

// Circuits 返回全部熔断器快照
func (r *Router) Circuits() map[types.PrincipalID]circuitbreaker.Snapshot {
	return r.breakers.Snapshot()
}

// ResetCircuit 手动闭合熔断器
func (r *Router) ResetCircuit(id types.PrincipalID) {
	r.breakers.Get(id).Reset()
}
