package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/types"
)

// TopicDeliver 路由投递使用的消息 Topic
const TopicDeliver = "router.deliver"

// Sender 点对点发送能力，由 messaging.Node 实现
type Sender interface {
	ID() types.PrincipalID
	Send(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error)
}

// AcceptFunc 校验接收方的确认，返回错误视为未接受，级联继续下一跳
type AcceptFunc func(ack *messaging.Ack) error

// DispatchConfig 投递配置
type DispatchConfig struct {
	Reliability messaging.Reliability `json:"reliability"`
	TTL         time.Duration         `json:"ttl"`
}

// DefaultDispatchConfig 返回默认投递配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{Reliability: messaging.AtLeastOnce, TTL: 10 * time.Second}
}

// Delivery 一次投递的结果
type Delivery struct {
	PayloadID string   `json:"payload_id"`
	MessageID string   `json:"message_id"`
	Strategy  Strategy `json:"strategy"`
	// Winner 第一个被接受的确认
	Winner   *messaging.Ack               `json:"winner,omitempty"`
	Acks     []*messaging.Ack             `json:"acks"`
	Failures map[types.PrincipalID]string `json:"failures,omitempty"`
	// Hops 级联实际经过的节点
	Hops []types.PrincipalID `json:"hops,omitempty"`
}

// Accepted 返回接受了负载的节点
func (d *Delivery) Accepted() []types.PrincipalID {
	var out []types.PrincipalID
	for _, a := range d.Acks {
		if a.Accepted {
			out = append(out, a.From)
		}
	}
	return out
}

// DispatchOption 投递器可选依赖
type DispatchOption func(*Dispatcher)

// WithAccept 设置级联的确认校验
func WithAccept(fn AcceptFunc) DispatchOption { return func(d *Dispatcher) { d.accept = fn } }

// WithDispatchMetrics 挂载指标收集器
func WithDispatchMetrics(m *metrics.Collector) DispatchOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher 按路由决策经消息层投递负载，结果回馈给路由器
type Dispatcher struct {
	router  *Router
	sender  Sender
	config  DispatchConfig
	accept  AcceptFunc
	metrics *metrics.Collector
	logger  *zap.Logger

	discarded atomic.Int64
}

// NewDispatcher 创建投递器
func NewDispatcher(router *Router, sender Sender, config DispatchConfig, logger *zap.Logger, opts ...DispatchOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultDispatchConfig()
	if config.Reliability == "" {
		config.Reliability = d.Reliability
	}
	if config.TTL <= 0 {
		config.TTL = d.TTL
	}
	disp := &Dispatcher{
		router: router,
		sender: sender,
		config: config,
		logger: logger.With(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(disp)
	}
	return disp
}

// Discarded 冗余投递中被丢弃的重复确认数
func (d *Dispatcher) Discarded() int64 {
	return d.discarded.Load()
}

type outcome struct {
	target types.PrincipalID
	ack    *messaging.Ack
	err    error
}

func (o outcome) accepted() bool {
	return o.err == nil && o.ack != nil && o.ack.Accepted
}

// Deliver 执行路由决策
func (d *Dispatcher) Deliver(ctx context.Context, dec *Decision, payload types.Payload) (*Delivery, error) {
	if dec == nil || len(dec.Targets) == 0 {
		return nil, types.NewValidationError("decision has no targets")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewValidationError("encode payload: %v", err)
	}

	ctx, span := otel.Tracer("hivecoord/router").Start(ctx, "router.deliver")
	defer span.End()

	msg := &messaging.Message{
		ID:          uuid.New().String(),
		Type:        messaging.TypeRequest,
		Topic:       TopicDeliver,
		Payload:     body,
		Priority:    priorityFor(dec.Criticality),
		Reliability: d.config.Reliability,
		RequiresAck: true,
		TTL:         d.config.TTL,
	}
	span.SetAttributes(
		attribute.String("msg_id", msg.ID),
		attribute.String("strategy", string(dec.Strategy)),
	)

	delivery := &Delivery{
		PayloadID: payload.ID,
		MessageID: msg.ID,
		Strategy:  dec.Strategy,
		Failures:  make(map[types.PrincipalID]string),
	}

	switch dec.Strategy {
	case StrategyCascade:
		err = d.cascade(ctx, msg, dec.Targets, delivery)
	case StrategyRedundant:
		err = d.redundant(ctx, msg, dec.Targets, delivery)
	default:
		err = d.fanOut(ctx, msg, dec.Targets, delivery)
	}
	if err != nil {
		span.RecordError(err)
		return delivery, err
	}
	return delivery, nil
}

// deliverTo 单目标投递，熔断器放行、进行中计数与结果回馈都在这里。
// 半开节点由 Allow 占用唯一的试探名额，结果经 ReportOutcome 决定闭合或重新打开
func (d *Dispatcher) deliverTo(ctx context.Context, msg *messaging.Message, target types.PrincipalID) outcome {
	if err := d.router.Allow(target); err != nil {
		return outcome{target: target, err: err}
	}
	release := d.router.Acquire(target)
	defer release()

	m := msg.Clone()
	m.Target = target
	start := time.Now()
	ack, err := d.sender.Send(ctx, m)
	// 能收到确认即视为节点可达，拒绝不计入熔断
	if rerr := d.router.ReportOutcome(target, err == nil, time.Since(start)); rerr != nil {
		d.logger.Warn("report outcome failed", zap.String("principal_id", string(target)), zap.Error(rerr))
	}
	if err == nil && ack.Accepted && d.accept != nil {
		if aerr := d.accept(ack); aerr != nil {
			rejected := *ack
			rejected.Accepted = false
			rejected.Reason = aerr.Error()
			ack = &rejected
		}
	}
	return outcome{target: target, ack: ack, err: err}
}

func (d *Delivery) add(o outcome) {
	if o.err != nil {
		d.Failures[o.target] = o.err.Error()
		return
	}
	d.Acks = append(d.Acks, o.ack)
	if !o.ack.Accepted {
		d.Failures[o.target] = o.ack.Reason
	}
}

// fanOut targeted 与 broadcast：并发投递，至少一个接受即成功
func (d *Dispatcher) fanOut(ctx context.Context, msg *messaging.Message, targets []types.PrincipalID, delivery *Delivery) error {
	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			o := d.deliverTo(ctx, msg, target)
			mu.Lock()
			delivery.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(delivery.Acks, func(i, j int) bool { return delivery.Acks[i].From < delivery.Acks[j].From })
	for _, a := range delivery.Acks {
		if a.Accepted {
			delivery.Winner = a
			return nil
		}
	}
	return notDelivered(delivery)
}

// cascade 按排名依次投递，第一个接受者处理后停止
func (d *Dispatcher) cascade(ctx context.Context, msg *messaging.Message, targets []types.PrincipalID, delivery *Delivery) error {
	for _, target := range targets {
		if !d.router.IsViable(target) {
			continue
		}
		if err := msg.AppendHop(target, d.router.config.MaxHops); err != nil {
			d.metrics.RecordRouteFailure(string(types.GetErrorCode(err)))
			return err
		}
		delivery.Hops = append(delivery.Hops, target)

		o := d.deliverTo(ctx, msg, target)
		delivery.add(o)
		if o.accepted() {
			delivery.Winner = o.ack
			return nil
		}
		d.logger.Debug("cascade hop not accepted",
			zap.String("msg_id", msg.ID),
			zap.String("principal_id", string(target)),
			zap.Int("hop", len(delivery.Hops)))
		if err := ctx.Err(); err != nil {
			return types.NewTimeoutError("cascade for %s interrupted", delivery.PayloadID).WithCause(err)
		}
	}
	return notDelivered(delivery)
}

// redundant 所有路径共享同一消息 ID 并行投递，第一个接受的确认胜出，
// 之后到达的接受确认计为重复并丢弃
func (d *Dispatcher) redundant(ctx context.Context, msg *messaging.Message, targets []types.PrincipalID, delivery *Delivery) error {
	results := make(chan outcome, len(targets))
	// 落后路径在调用方返回后继续完成，以便回馈结果
	sendCtx := context.WithoutCancel(ctx)
	for _, target := range targets {
		go func() { results <- d.deliverTo(sendCtx, msg, target) }()
	}

	for remaining := len(targets); remaining > 0; remaining-- {
		select {
		case o := <-results:
			delivery.add(o)
			if o.accepted() {
				delivery.Winner = o.ack
				go d.drain(results, remaining-1, msg.ID)
				return nil
			}
		case <-ctx.Done():
			go d.drain(results, remaining, msg.ID)
			return types.NewTimeoutError("redundant delivery of %s interrupted", delivery.PayloadID).WithCause(ctx.Err())
		}
	}
	return notDelivered(delivery)
}

func (d *Dispatcher) drain(results <-chan outcome, n int, msgID string) {
	for i := 0; i < n; i++ {
		o := <-results
		if !o.accepted() {
			continue
		}
		d.discarded.Add(1)
		d.metrics.RecordDiscardedDuplicate()
		d.logger.Debug("duplicate ack discarded",
			zap.String("msg_id", msgID),
			zap.String("principal_id", string(o.target)))
	}
}

func notDelivered(delivery *Delivery) error {
	return types.Errorf(types.ErrNoEligibleTargets, "no target accepted payload %s", delivery.PayloadID).
		WithRetryable(true)
}

func priorityFor(c types.Criticality) types.Priority {
	switch c {
	case types.CriticalityCritical:
		return types.PriorityCritical
	case types.CriticalityHigh:
		return types.PriorityHigh
	case types.CriticalityLow:
		return types.PriorityLow
	default:
		return types.PriorityMedium
	}
}
