package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TopicMux 按 Topic 分发同一消息类型上的处理函数；未注册的 Topic 交给 fallback
type TopicMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewTopicMux 创建分发器，fallback 可为 nil
func NewTopicMux(fallback Handler) *TopicMux {
	return &TopicMux{handlers: make(map[string]Handler), fallback: fallback}
}

// Handle 注册 topic 的处理函数，重复注册覆盖
func (m *TopicMux) Handle(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
}

// SetFallback 替换兜底处理函数
func (m *TopicMux) SetFallback(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// Serve 实现 Handler
func (m *TopicMux) Serve(ctx context.Context, msg *Message) (json.RawMessage, error) {
	m.mu.RLock()
	h, ok := m.handlers[msg.Topic]
	if !ok {
		h = m.fallback
	}
	m.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for topic %q", msg.Topic)
	}
	return h(ctx, msg)
}
