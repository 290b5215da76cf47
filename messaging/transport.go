package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/types"
)

// EnvelopeKind 传输帧类型
type EnvelopeKind string

const (
	KindMessage EnvelopeKind = "message"
	KindAck     EnvelopeKind = "ack"
)

// Envelope 传输层帧：一条消息或一条确认
type Envelope struct {
	Kind    EnvelopeKind      `json:"kind"`
	To      types.PrincipalID `json:"to"`
	Message *Message          `json:"message,omitempty"`
	Ack     *Ack              `json:"ack,omitempty"`
}

func (e Envelope) clone() Envelope {
	c := e
	if e.Message != nil {
		c.Message = e.Message.Clone()
	}
	if e.Ack != nil {
		a := *e.Ack
		c.Ack = &a
	}
	return c
}

// Receiver 接收帧；实现不得阻塞
type Receiver interface {
	Receive(env Envelope)
}

// Transport 节点间传输。Deliver 只负责一次传输尝试，可能静默丢失；
// 可靠性由 Node 在其上实现。
type Transport interface {
	Attach(id types.PrincipalID, r Receiver) error
	Detach(id types.PrincipalID)
	Deliver(ctx context.Context, env Envelope) error
	Close() error
}

// =============================================================================
// 🧪 In-memory transport
// =============================================================================

// DropFunc 返回 true 表示丢弃该帧，用于网络故障模拟
type DropFunc func(env Envelope) bool

// MemoryTransport 进程内传输，支持丢包与延迟注入
type MemoryTransport struct {
	logger *zap.Logger

	mu        sync.RWMutex
	receivers map[types.PrincipalID]Receiver
	closed    bool
	drop      DropFunc
	latency   time.Duration

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewMemoryTransport 创建进程内传输
func NewMemoryTransport(logger *zap.Logger) *MemoryTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTransport{
		logger:    logger.With(zap.String("component", "memory_transport")),
		receivers: make(map[types.PrincipalID]Receiver),
	}
}

// Attach 注册接收方
func (t *MemoryTransport) Attach(id types.PrincipalID, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.NewError(types.ErrClosed, "transport closed")
	}
	if _, ok := t.receivers[id]; ok {
		return fmt.Errorf("receiver %s already attached", id)
	}
	t.receivers[id] = r
	return nil
}

// Detach 移除接收方，之后发往它的帧视为不可达
func (t *MemoryTransport) Detach(id types.PrincipalID) {
	t.mu.Lock()
	delete(t.receivers, id)
	t.mu.Unlock()
}

// SetDropFunc 设置丢包规则，nil 表示不丢包
func (t *MemoryTransport) SetDropFunc(fn DropFunc) {
	t.mu.Lock()
	t.drop = fn
	t.mu.Unlock()
}

// SetLatency 设置固定传输延迟
func (t *MemoryTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	t.latency = d
	t.mu.Unlock()
}

// Deliver 实现 Transport
func (t *MemoryTransport) Deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	closed := t.closed
	r, ok := t.receivers[env.To]
	drop := t.drop
	latency := t.latency
	t.mu.RUnlock()

	if closed {
		return types.NewError(types.ErrClosed, "transport closed")
	}
	if !ok {
		return types.Errorf(types.ErrTimeout, "principal %s unreachable", env.To).
			WithPrincipal(env.To).WithRetryable(true)
	}
	if drop != nil && drop(env) {
		t.dropped.Add(1)
		t.logger.Debug("frame dropped", zap.String("to", string(env.To)), zap.String("kind", string(env.Kind)))
		return nil
	}

	c := env.clone()
	t.delivered.Add(1)
	if latency > 0 {
		time.AfterFunc(latency, func() { r.Receive(c) })
		return nil
	}
	r.Receive(c)
	return nil
}

// Stats returns delivered and dropped frame counts.
func (t *MemoryTransport) Stats() (delivered, dropped int64) {
	return t.delivered.Load(), t.dropped.Load()
}

// Close 实现 Transport
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.receivers = make(map[types.PrincipalID]Receiver)
	t.mu.Unlock()
	return nil
}

// DropFirst 丢弃前 n 个满足 match 的帧
func DropFirst(n int, match func(Envelope) bool) DropFunc {
	var seen atomic.Int64
	return func(env Envelope) bool {
		if match != nil && !match(env) {
			return false
		}
		return seen.Add(1) <= int64(n)
	}
}

// MessagesTo matches message frames addressed to id.
func MessagesTo(id types.PrincipalID) func(Envelope) bool {
	return func(env Envelope) bool {
		return env.Kind == KindMessage && env.To == id
	}
}
