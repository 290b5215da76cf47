package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/hivecoord/identity"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/internal/queue"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/retry"
	"github.com/BaSui01/hivecoord/types"
)

// Handler 处理一条入站消息，返回值写入 Ack.Result。
// 返回错误时对端收到 Accepted=false 的确认，不会重试。
type Handler func(ctx context.Context, msg *Message) (json.RawMessage, error)

// Config 节点配置
type Config struct {
	ID types.PrincipalID `json:"id"`

	// DefaultTTL 未设置 TTL 的消息使用的存活时间
	DefaultTTL time.Duration `json:"default_ttl"`
	// Retry 可靠消息的重传退避策略，MaxRetries 限制传输次数
	Retry retry.Policy `json:"-"`
	// MaxHops cascade 跳数上限
	MaxHops int `json:"max_hops"`

	// InboxCapacity 入站队列容量，满时丢弃（可靠消息由发送方重传）
	InboxCapacity int `json:"inbox_capacity"`

	// DedupSize / DedupWindow 发送方与接收方去重缓存
	DedupSize   int           `json:"dedup_size"`
	DedupWindow time.Duration `json:"dedup_window"`

	// GapTimeout 序号缺口持续超过该时间后发起 sync
	GapTimeout time.Duration `json:"gap_timeout"`
	// SyncBurst 每个发送方 sync 请求的令牌桶，速率为每 GapTimeout 一次
	SyncBurst int `json:"sync_burst"`

	// HeartbeatTo 心跳接收方，空表示除自身外的全部节点
	HeartbeatTo []types.PrincipalID `json:"heartbeat_to,omitempty"`

	Now func() time.Time `json:"-"`
}

// DefaultConfig 返回默认节点配置
func DefaultConfig(id types.PrincipalID) Config {
	return Config{
		ID:         id,
		DefaultTTL: 30 * time.Second,
		Retry: retry.Policy{
			MaxRetries:   8,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		MaxHops:       DefaultMaxHops,
		InboxCapacity: 1024,
		DedupSize:     4096,
		DedupWindow:   5 * time.Minute,
		GapTimeout:    2 * time.Second,
		SyncBurst:     1,
		Now:           time.Now,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig(c.ID)
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.Retry.InitialDelay <= 0 && c.Retry.MaxRetries == 0 {
		c.Retry = d.Retry
	}
	if c.MaxHops <= 0 {
		c.MaxHops = d.MaxHops
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = d.InboxCapacity
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = d.GapTimeout
	}
	if c.SyncBurst <= 0 {
		c.SyncBurst = d.SyncBurst
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Option 节点可选依赖
type Option func(*Node)

// WithSigner 对出站消息签名
func WithSigner(s identity.Signer) Option {
	return func(n *Node) { n.signer = s }
}

// WithVerifier 校验入站消息签名
func WithVerifier(v identity.Verifier) Option {
	return func(n *Node) { n.verifier = v }
}

// WithOutbox 替换默认的进程内 outbox
func WithOutbox(o Outbox) Option {
	return func(n *Node) { n.outbox = o }
}

// WithMetrics 记录消息指标
func WithMetrics(c *metrics.Collector) Option {
	return func(n *Node) { n.metrics = c }
}

// pendingSend 等待确认的发送
type pendingSend struct {
	msg     *Message
	sentAt  time.Time
	done    chan struct{}
	// claimed 保证结果只写入一次
	claimed atomic.Bool
	ack     *Ack
	err     error
}

func (p *pendingSend) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

func (p *pendingSend) resolve(ack *Ack, err error) {
	p.ack, p.err = ack, err
	close(p.done)
}

func (p *pendingSend) complete(ack *Ack, err error) bool {
	if !p.claim() {
		return false
	}
	p.resolve(ack, err)
	return true
}

func pendingKey(id string, target types.PrincipalID) string {
	return id + "|" + string(target)
}

// =============================================================================
// 🛰️ Node
// =============================================================================

// Node 单个节点的消息端点：独立 goroutine 消费优先级入站队列，
// 在 Transport 之上实现可靠性级别、按发送方顺序交付与缺口同步。
type Node struct {
	id        types.PrincipalID
	config    Config
	transport Transport
	health    registry.HealthView
	logger    *zap.Logger
	signer    identity.Signer
	verifier  identity.Verifier
	outbox    Outbox
	metrics   *metrics.Collector

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	inbox *queue.Priority[Envelope]

	sendMu  sync.Mutex
	sendSeq VersionVector
	pending map[string]*pendingSend
	// sent 已完成的 exactly-once 发送结果
	sent *expirable.LRU[string, *Ack]

	recvMu   sync.Mutex
	recv     VersionVector
	holdback map[types.PrincipalID]map[uint64]*Message
	gapSince map[types.PrincipalID]time.Time
	limiters map[types.PrincipalID]*rate.Limiter
	// processed 接收方已处理消息的确认
	processed *expirable.LRU[string, *Ack]

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewNode 创建节点；调用 Start 后开始收发
func NewNode(config Config, transport Transport, health registry.HealthView, logger *zap.Logger, opts ...Option) (*Node, error) {
	if config.ID == "" || config.ID == types.Broadcast {
		return nil, types.NewValidationError("invalid node id %q", config.ID)
	}
	if transport == nil {
		return nil, types.NewValidationError("transport is required")
	}
	if health == nil {
		return nil, types.NewValidationError("health view is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.normalize()

	n := &Node{
		id:        config.ID,
		config:    config,
		transport: transport,
		health:    health,
		logger:    logger.With(zap.String("component", "messaging_node"), zap.String("principal_id", string(config.ID))),
		outbox:    NewMemoryOutbox(),
		handlers:  make(map[MessageType]Handler),
		inbox:     queue.NewPriority[Envelope](queue.Config{Capacity: config.InboxCapacity, Levels: int(types.PriorityCritical) + 1}),
		sendSeq:   make(VersionVector),
		pending:   make(map[string]*pendingSend),
		sent:      expirable.NewLRU[string, *Ack](config.DedupSize, nil, config.DedupWindow),
		recv:      make(VersionVector),
		holdback:  make(map[types.PrincipalID]map[uint64]*Message),
		gapSince:  make(map[types.PrincipalID]time.Time),
		limiters:  make(map[types.PrincipalID]*rate.Limiter),
		processed: expirable.NewLRU[string, *Ack](config.DedupSize, nil, config.DedupWindow),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// ID returns the principal this node speaks for.
func (n *Node) ID() types.PrincipalID { return n.id }

// OnMessage 注册某类消息的处理函数，重复注册覆盖旧值
func (n *Node) OnMessage(t MessageType, h Handler) {
	n.handlersMu.Lock()
	n.handlers[t] = h
	n.handlersMu.Unlock()
}

// Start 挂载到传输层并启动入站与缺口检测循环
func (n *Node) Start(ctx context.Context) error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.closed {
		return types.NewError(types.ErrClosed, "node closed")
	}
	if n.started {
		return nil
	}
	if err := n.transport.Attach(n.id, n); err != nil {
		return fmt.Errorf("attach %s: %w", n.id, err)
	}
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.started = true

	n.wg.Add(2)
	go n.inboxLoop()
	go n.gapLoop()

	n.logger.Info("node started")
	return nil
}

// Close 停止节点；未完成的发送以 CLOSED 结束
func (n *Node) Close() error {
	n.lifeMu.Lock()
	if n.closed {
		n.lifeMu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.lifeMu.Unlock()

	if started {
		n.transport.Detach(n.id)
		n.cancel()
	}
	n.inbox.Close()
	n.wg.Wait()

	n.sendMu.Lock()
	pending := make([]*pendingSend, 0, len(n.pending))
	for _, p := range n.pending {
		pending = append(pending, p)
	}
	n.pending = make(map[string]*pendingSend)
	n.sendMu.Unlock()

	closedErr := types.NewError(types.ErrClosed, "node closed")
	for _, p := range pending {
		p.complete(nil, closedErr)
	}
	n.logger.Info("node stopped")
	return nil
}

// spawn 在节点关闭前启动受 wg 跟踪的 goroutine
func (n *Node) spawn(fn func()) bool {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) running() (context.Context, error) {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.closed {
		return nil, types.NewError(types.ErrClosed, "node closed")
	}
	if !n.started {
		return nil, types.NewError(types.ErrClosed, "node not started")
	}
	return n.ctx, nil
}

// Vector 返回已按序交付的各发送方计数快照
func (n *Node) Vector() VersionVector {
	n.recvMu.Lock()
	defer n.recvMu.Unlock()
	return n.recv.Clone()
}

// SentVector 返回发往各目标的已分配序号快照
func (n *Node) SentVector() VersionVector {
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return n.sendSeq.Clone()
}

// =============================================================================
// 📤 Send / Broadcast
// =============================================================================

func (n *Node) prepare(msg *Message) error {
	if msg == nil {
		return types.NewValidationError("message is nil")
	}
	if msg.Target == "" || msg.Target == types.Broadcast {
		return types.NewValidationError("send requires a single target, use Broadcast for %q", types.Broadcast)
	}
	if msg.Target == n.id {
		return types.NewValidationError("cannot send to self")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = TypeRequest
	}
	if msg.Reliability == "" {
		msg.Reliability = BestEffort
	}
	if msg.TTL <= 0 {
		msg.TTL = n.config.DefaultTTL
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = n.config.Now()
	}
	if len(msg.HopList) > n.config.MaxHops {
		return types.NewCascadeLimitError(len(msg.HopList), n.config.MaxHops)
	}
	msg.Source = n.id
	if msg.Expired(n.config.Now()) {
		return types.NewTimeoutError("message %s expired before send", msg.ID).WithPrincipal(msg.Target)
	}
	return nil
}

func (n *Node) sign(msg *Message) error {
	if n.signer == nil {
		return nil
	}
	sig, err := n.signer.Sign(msg.SigningBytes())
	if err != nil {
		return types.NewError(types.ErrInternal, "sign message").WithCause(err)
	}
	msg.Signature = sig
	return nil
}

// Send 发送一条点对点消息。
// best_effort 只传输一次；可靠级别在后台按退避重传，调用方只等待确认或 TTL。
func (n *Node) Send(ctx context.Context, msg *Message) (*Ack, error) {
	nodeCtx, err := n.running()
	if err != nil {
		return nil, err
	}
	if err := n.prepare(msg); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("hivecoord/messaging").Start(ctx, "messaging.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("msg_id", msg.ID),
		attribute.String("target", string(msg.Target)),
		attribute.String("reliability", string(msg.Reliability)),
	)

	var ack *Ack
	if msg.Reliability.Reliable() {
		ack, err = n.sendReliable(ctx, nodeCtx, msg)
	} else {
		ack, err = n.sendBestEffort(ctx, nodeCtx, msg)
	}

	result := "acked"
	switch {
	case err != nil:
		result = string(types.GetErrorCode(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !ack.Accepted:
		result = "rejected"
	case ack.Duplicate:
		result = "duplicate"
	}
	n.metrics.RecordMessage(string(msg.Type), string(msg.Reliability), result)
	return ack, err
}

func (n *Node) sendBestEffort(ctx, nodeCtx context.Context, msg *Message) (*Ack, error) {
	if err := n.sign(msg); err != nil {
		return nil, err
	}

	var p *pendingSend
	key := pendingKey(msg.ID, msg.Target)
	if msg.RequiresAck {
		p = &pendingSend{msg: msg, sentAt: n.config.Now(), done: make(chan struct{})}
		n.sendMu.Lock()
		n.pending[key] = p
		n.sendMu.Unlock()
		defer n.dropPending(key, p)
	}

	deliverCtx, cancel := context.WithDeadline(nodeCtx, msg.Deadline())
	err := n.transport.Deliver(deliverCtx, Envelope{Kind: KindMessage, To: msg.Target, Message: msg})
	cancel()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Ack{
			MessageID:  msg.ID,
			From:       msg.Target,
			To:         n.id,
			Accepted:   true,
			Reason:     "transmitted",
			ReceivedAt: n.config.Now(),
		}, nil
	}
	return n.await(ctx, p, time.Until(msg.Deadline()))
}

func (n *Node) sendReliable(ctx, nodeCtx context.Context, msg *Message) (*Ack, error) {
	key := pendingKey(msg.ID, msg.Target)

	n.sendMu.Lock()
	if msg.Reliability == ExactlyOnce {
		if prev, ok := n.sent.Get(key); ok {
			n.sendMu.Unlock()
			dup := *prev
			dup.Duplicate = true
			return &dup, nil
		}
	}
	if p, ok := n.pending[key]; ok {
		n.sendMu.Unlock()
		n.logger.Debug("joining in-flight send", zap.String("msg_id", msg.ID))
		return n.await(ctx, p, time.Until(p.msg.Deadline()))
	}
	msg.Seq = n.sendSeq.Increment(msg.Target)
	p := &pendingSend{msg: msg, sentAt: n.config.Now(), done: make(chan struct{})}
	n.pending[key] = p
	n.sendMu.Unlock()

	if err := n.sign(msg); err != nil {
		n.finish(p, nil, err)
		return nil, err
	}
	if err := n.outbox.Save(ctx, msg); err != nil {
		n.logger.Warn("outbox save failed", zap.String("msg_id", msg.ID), zap.Error(err))
	}

	if !n.spawn(func() { n.retransmitLoop(nodeCtx, p) }) {
		n.finish(p, nil, types.NewError(types.ErrClosed, "node closed"))
	}

	return n.await(ctx, p, time.Until(msg.Deadline()))
}

// retransmitLoop 后台重传直至确认、TTL 到期或传输次数用尽
func (n *Node) retransmitLoop(nodeCtx context.Context, p *pendingSend) {
	msg := p.msg
	deadline := msg.Deadline()
	maxAttempts := n.config.Retry.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if attempt <= maxAttempts {
			if attempt > 1 {
				n.metrics.RecordRetransmit()
				n.logger.Debug("retransmitting",
					zap.String("msg_id", msg.ID),
					zap.String("target", string(msg.Target)),
					zap.Int("attempt", attempt))
			}
			deliverCtx, cancel := context.WithDeadline(nodeCtx, deadline)
			err := n.transport.Deliver(deliverCtx, Envelope{Kind: KindMessage, To: msg.Target, Message: msg})
			cancel()
			if err != nil && !retry.Retryable(err) {
				n.finish(p, nil, err)
				return
			}
		}

		wait := time.Until(deadline)
		if attempt < maxAttempts {
			if d := n.config.Retry.Delay(attempt); d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			n.expire(p)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-nodeCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !n.config.Now().Before(deadline) {
			n.expire(p)
			return
		}
	}
}

func (n *Node) expire(p *pendingSend) {
	err := types.NewTimeoutError("no ack for %s from %s within %s", p.msg.ID, p.msg.Target, p.msg.TTL).
		WithPrincipal(p.msg.Target)
	n.finish(p, nil, err)
	n.logger.Warn("message timed out",
		zap.String("msg_id", p.msg.ID),
		zap.String("target", string(p.msg.Target)),
		zap.Duration("ttl", p.msg.TTL))
}

// finish 结束一次发送：记录去重窗口、清理 pending 与 outbox 后唤醒等待方
func (n *Node) finish(p *pendingSend, ack *Ack, err error) {
	if !p.claim() {
		return
	}
	key := pendingKey(p.msg.ID, p.msg.Target)
	if ack != nil && p.msg.Reliability == ExactlyOnce {
		n.sent.Add(key, ack)
	}
	n.dropPending(key, p)
	if p.msg.Reliability.Reliable() {
		if rmErr := n.outbox.Remove(context.Background(), p.msg.Target, p.msg.ID); rmErr != nil {
			n.logger.Warn("outbox remove failed", zap.String("msg_id", p.msg.ID), zap.Error(rmErr))
		}
	}
	p.resolve(ack, err)
}

func (n *Node) dropPending(key string, p *pendingSend) {
	n.sendMu.Lock()
	if cur, ok := n.pending[key]; ok && cur == p {
		delete(n.pending, key)
	}
	n.sendMu.Unlock()
}

func (n *Node) await(ctx context.Context, p *pendingSend, ttl time.Duration) (*Ack, error) {
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.ack, p.err
	case <-timer.C:
		// 可靠发送由后台循环给出最终结果，这里只兜底
		if !p.msg.Reliability.Reliable() {
			n.finish(p, nil, types.NewTimeoutError("no ack for %s from %s", p.msg.ID, p.msg.Target).WithPrincipal(p.msg.Target))
		}
		select {
		case <-p.done:
			return p.ack, p.err
		case <-time.After(10 * time.Millisecond):
			return nil, types.NewTimeoutError("no ack for %s from %s", p.msg.ID, p.msg.Target).WithPrincipal(p.msg.Target)
		}
	case <-ctx.Done():
		return nil, types.NewTimeoutError("send %s cancelled", p.msg.ID).WithCause(ctx.Err()).WithPrincipal(p.msg.Target)
	}
}

// Broadcast 向全部健康节点（不含自身）并发发送，各目标结果汇总到 AckSet
func (n *Node) Broadcast(ctx context.Context, msg *Message) (*AckSet, error) {
	if msg == nil {
		return nil, types.NewValidationError("message is nil")
	}
	targets := make([]types.PrincipalID, 0)
	for _, id := range n.health.HealthyIDs() {
		if id != n.id {
			targets = append(targets, id)
		}
	}
	return n.Multicast(ctx, msg, targets)
}

// Multicast 向指定目标集合并发发送同一条消息（共享消息 ID）
func (n *Node) Multicast(ctx context.Context, msg *Message, targets []types.PrincipalID) (*AckSet, error) {
	if msg == nil {
		return nil, types.NewValidationError("message is nil")
	}
	if len(targets) == 0 {
		return nil, types.NewNoEligibleTargetsError("no healthy principals to receive %s", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = TypeBroadcast
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = n.config.Now()
	}

	set := newAckSet()
	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		m := msg.Clone()
		m.Target = target
		g.Go(func() error {
			ack, err := n.Send(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				set.Failures[m.Target] = err
				return nil
			}
			set.Acks = append(set.Acks, ack)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(set.Acks, func(i, j int) bool { return set.Acks[i].From < set.Acks[j].From })
	return set, nil
}

// =============================================================================
// 📥 Receive path
// =============================================================================

// Receive 实现 Receiver；确认帧直接处理，消息帧进入优先级入站队列
func (n *Node) Receive(env Envelope) {
	switch env.Kind {
	case KindAck:
		if env.Ack != nil {
			n.handleAck(env.Ack)
		}
	case KindMessage:
		if env.Message == nil {
			return
		}
		ok, err := n.inbox.TryPush(env, int(env.Message.Priority))
		if err != nil {
			return
		}
		if !ok {
			n.logger.Warn("inbox full, dropping message",
				zap.String("msg_id", env.Message.ID),
				zap.String("source", string(env.Message.Source)))
			n.metrics.RecordMessage(string(env.Message.Type), string(env.Message.Reliability), "dropped")
		}
	}
}

func (n *Node) handleAck(ack *Ack) {
	key := pendingKey(ack.MessageID, ack.From)
	n.sendMu.Lock()
	p, ok := n.pending[key]
	n.sendMu.Unlock()
	if !ok {
		return
	}
	n.metrics.RecordAckLatency(string(p.msg.Reliability), n.config.Now().Sub(p.sentAt))
	n.finish(p, ack, nil)
}

func (n *Node) inboxLoop() {
	defer n.wg.Done()
	for {
		env, err := n.inbox.Pop(n.ctx)
		if err != nil {
			return
		}
		n.process(env.Message)
	}
}

func (n *Node) process(msg *Message) {
	if n.verifier != nil {
		if err := n.verifier.Verify(msg.Source, msg.SigningBytes(), msg.Signature); err != nil {
			n.logger.Warn("rejecting message with invalid signature",
				zap.String("msg_id", msg.ID),
				zap.String("source", string(msg.Source)),
				zap.Error(err))
			n.reply(msg, n.reject(msg, types.NewValidationError("invalid signature: %v", err)))
			return
		}
	}
	if msg.Expired(n.config.Now()) {
		n.reply(msg, n.reject(msg, types.NewTimeoutError("message %s expired", msg.ID)))
		return
	}
	if msg.Type == TypeSync {
		n.handleSync(msg)
		return
	}
	if !msg.Reliability.Reliable() || msg.Seq == 0 {
		ack := n.dispatch(msg)
		if msg.RequiresAck {
			n.reply(msg, ack)
		}
		return
	}
	n.receiveOrdered(msg)
}

// receiveOrdered 按 (发送方, 序号) 顺序交付；乱序消息进入 holdback
func (n *Node) receiveOrdered(msg *Message) {
	src := msg.Source

	n.recvMu.Lock()
	last := n.recv.Get(src)
	switch {
	case msg.Seq <= last:
		n.recvMu.Unlock()
		n.reply(msg, n.duplicateAck(msg))
		return
	case msg.Seq > last+1:
		hb, ok := n.holdback[src]
		if !ok {
			hb = make(map[uint64]*Message)
			n.holdback[src] = hb
		}
		hb[msg.Seq] = msg
		if _, ok := n.gapSince[src]; !ok {
			n.gapSince[src] = n.config.Now()
		}
		n.recvMu.Unlock()
		n.logger.Debug("holding back out-of-order message",
			zap.String("msg_id", msg.ID),
			zap.String("source", string(src)),
			zap.Uint64("seq", msg.Seq),
			zap.Uint64("expected", last+1))
		return
	}
	n.recvMu.Unlock()

	n.deliverInOrder(msg)
	n.drainHoldback(src)
}

func (n *Node) deliverInOrder(msg *Message) {
	key := pendingKey(msg.ID, msg.Source)
	var ack *Ack
	if prev, ok := n.processed.Get(key); ok {
		dup := *prev
		dup.Duplicate = true
		ack = &dup
	} else {
		ack = n.dispatch(msg)
		stored := *ack
		if msg.Reliability != ExactlyOnce {
			stored.Result = nil
		}
		n.processed.Add(key, &stored)
	}

	n.recvMu.Lock()
	n.recv.Advance(msg.Source, msg.Seq)
	if len(n.holdback[msg.Source]) == 0 {
		delete(n.gapSince, msg.Source)
	}
	n.recvMu.Unlock()

	n.reply(msg, ack)
}

func (n *Node) drainHoldback(src types.PrincipalID) {
	for {
		n.recvMu.Lock()
		next := n.recv.Get(src) + 1
		for seq := range n.holdback[src] {
			if seq < next {
				delete(n.holdback[src], seq)
			}
		}
		msg, ok := n.holdback[src][next]
		if ok {
			delete(n.holdback[src], next)
		}
		if len(n.holdback[src]) == 0 {
			delete(n.holdback, src)
			if !ok {
				delete(n.gapSince, src)
			}
		}
		n.recvMu.Unlock()
		if !ok {
			return
		}
		if msg.Expired(n.config.Now()) {
			n.recvMu.Lock()
			n.recv.Advance(src, msg.Seq)
			n.recvMu.Unlock()
			continue
		}
		n.deliverInOrder(msg)
	}
}

func (n *Node) duplicateAck(msg *Message) *Ack {
	if prev, ok := n.processed.Get(pendingKey(msg.ID, msg.Source)); ok {
		dup := *prev
		dup.Duplicate = true
		dup.ReceivedAt = n.config.Now()
		return &dup
	}
	return &Ack{
		MessageID:  msg.ID,
		From:       n.id,
		To:         msg.Source,
		Accepted:   true,
		Reason:     "already delivered",
		Duplicate:  true,
		ReceivedAt: n.config.Now(),
	}
}

// dispatch 调用处理函数，panic 转换为 INTERNAL 拒绝
func (n *Node) dispatch(msg *Message) (ack *Ack) {
	ack = &Ack{MessageID: msg.ID, From: n.id, To: msg.Source, ReceivedAt: n.config.Now()}

	n.handlersMu.RLock()
	h, ok := n.handlers[msg.Type]
	n.handlersMu.RUnlock()
	if !ok {
		ack.Reason = fmt.Sprintf("no handler for %s", msg.Type)
		return ack
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("message handler panicked",
				zap.String("msg_id", msg.ID),
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r))
			ack.Accepted = false
			ack.Result = nil
			ack.Reason = types.Errorf(types.ErrInternal, "handler panic: %v", r).Error()
		}
	}()

	ctx, cancel := context.WithDeadline(n.ctx, msg.Deadline())
	defer cancel()
	ctx = types.WithPrincipalID(ctx, msg.Source)

	result, err := h(ctx, msg.Clone())
	if err != nil {
		ack.Reason = err.Error()
		return ack
	}
	ack.Accepted = true
	ack.Result = result
	return ack
}

func (n *Node) reject(msg *Message, err error) *Ack {
	n.metrics.RecordMessage(string(msg.Type), string(msg.Reliability), "rejected")
	return &Ack{
		MessageID:  msg.ID,
		From:       n.id,
		To:         msg.Source,
		Accepted:   false,
		Reason:     err.Error(),
		ReceivedAt: n.config.Now(),
	}
}

func (n *Node) reply(msg *Message, ack *Ack) {
	if !msg.Reliability.Reliable() && !msg.RequiresAck {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.config.Retry.MaxDelay+time.Second)
	defer cancel()
	if err := n.transport.Deliver(ctx, Envelope{Kind: KindAck, To: msg.Source, Ack: ack}); err != nil {
		n.logger.Debug("ack delivery failed",
			zap.String("msg_id", msg.ID),
			zap.String("to", string(msg.Source)),
			zap.Error(err))
	}
}

// =============================================================================
// 🔄 Gap detection & sync
// =============================================================================

const (
	syncRequestTopic = "sync.request"
	syncReplyTopic   = "sync.reply"
)

type syncRequest struct {
	Have uint64 `json:"have"`
}

type syncReply struct {
	Low uint64 `json:"low"`
}

func (n *Node) gapLoop() {
	defer n.wg.Done()
	interval := n.config.GapTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.CheckGaps(n.config.Now())
		}
	}
}

// CheckGaps 对缺口持续超过 GapTimeout 的发送方发送限流的 sync 请求，返回请求的发送方
func (n *Node) CheckGaps(now time.Time) []types.PrincipalID {
	type req struct {
		src  types.PrincipalID
		have uint64
	}
	var reqs []req

	n.recvMu.Lock()
	for src, since := range n.gapSince {
		if now.Sub(since) < n.config.GapTimeout {
			continue
		}
		lim, ok := n.limiters[src]
		if !ok {
			lim = rate.NewLimiter(rate.Every(n.config.GapTimeout), n.config.SyncBurst)
			n.limiters[src] = lim
		}
		if !lim.Allow() {
			continue
		}
		reqs = append(reqs, req{src: src, have: n.recv.Get(src)})
	}
	n.recvMu.Unlock()

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].src < reqs[j].src })
	out := make([]types.PrincipalID, 0, len(reqs))
	for _, r := range reqs {
		body, _ := json.Marshal(syncRequest{Have: r.have})
		m := &Message{
			Type:     TypeSync,
			Topic:    syncRequestTopic,
			Target:   r.src,
			Payload:  body,
			Priority: types.PriorityHigh,
			TTL:      n.config.GapTimeout * 2,
		}
		n.metrics.RecordSyncRequest()
		n.logger.Info("requesting sync", zap.String("source", string(r.src)), zap.Uint64("have", r.have))
		if _, err := n.Send(n.ctx, m); err != nil {
			n.logger.Debug("sync request failed", zap.String("source", string(r.src)), zap.Error(err))
		}
		out = append(out, r.src)
	}
	return out
}

func (n *Node) handleSync(msg *Message) {
	switch msg.Topic {
	case syncRequestTopic:
		n.answerSync(msg)
	case syncReplyTopic:
		var rep syncReply
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			n.logger.Warn("malformed sync reply", zap.String("source", string(msg.Source)), zap.Error(err))
			return
		}
		n.fastForward(msg.Source, rep.Low)
	}
}

// answerSync 回复最低未确认序号并重传 outbox 中发往请求方的消息
func (n *Node) answerSync(msg *Message) {
	peer := msg.Source
	pending, err := n.outbox.Pending(n.ctx, peer)
	if err != nil {
		n.logger.Warn("outbox read failed", zap.String("peer", string(peer)), zap.Error(err))
	}

	n.sendMu.Lock()
	low := n.sendSeq.Get(peer) + 1
	n.sendMu.Unlock()
	if len(pending) > 0 && pending[0].Seq < low {
		low = pending[0].Seq
	}

	body, _ := json.Marshal(syncReply{Low: low})
	rep := &Message{
		Type:     TypeSync,
		Topic:    syncReplyTopic,
		Target:   peer,
		Payload:  body,
		Priority: types.PriorityHigh,
		TTL:      n.config.GapTimeout * 2,
	}
	if err := n.prepare(rep); err == nil {
		if err := n.sign(rep); err == nil {
			_ = n.transport.Deliver(n.ctx, Envelope{Kind: KindMessage, To: peer, Message: rep})
		}
	}

	for _, m := range pending {
		if m.Expired(n.config.Now()) {
			continue
		}
		n.metrics.RecordRetransmit()
		if err := n.transport.Deliver(n.ctx, Envelope{Kind: KindMessage, To: peer, Message: m}); err != nil {
			n.logger.Debug("sync retransmit failed", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}
	n.logger.Info("answered sync",
		zap.String("peer", string(peer)),
		zap.Uint64("low", low),
		zap.Int("retransmitted", len(pending)))
}

// fastForward 跳过发送方已放弃（过期）的序号后继续交付
func (n *Node) fastForward(src types.PrincipalID, low uint64) {
	if low == 0 {
		return
	}
	n.recvMu.Lock()
	skipped := n.recv.Advance(src, low-1)
	if len(n.holdback[src]) > 0 {
		n.gapSince[src] = n.config.Now()
	}
	n.recvMu.Unlock()

	if skipped {
		n.logger.Warn("fast-forwarded past lost messages",
			zap.String("source", string(src)),
			zap.Uint64("resume_at", low))
	}
	n.drainHoldback(src)
}

// =============================================================================
// 🧰 Helpers
// =============================================================================

// IsTimeout reports whether err is a delivery timeout.
func IsTimeout(err error) bool {
	return types.IsCode(err, types.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
