// =============================================================================
// 🏛️ MockAuthority - 外部权威模拟实现
// =============================================================================
// 用于测试共识升级路径，支持固定裁决、延迟与错误注入
//
// 使用方法:
//
//	authority := mocks.NewMockAuthority().WithDecision(true, `"approve"`)
//	decision, err := authority.Escalate(ctx, "round-1", "quorum unreachable")
// =============================================================================
package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/hivecoord/types"
)

// MockAuthorityCall 记录单次升级调用
type MockAuthorityCall struct {
	RoundID string
	Reason  string
}

// MockAuthority 是 types.Authority 的模拟实现
type MockAuthority struct {
	mu sync.Mutex

	decision types.AuthorityDecision
	err      error
	delay    time.Duration

	calls []MockAuthorityCall
}

// NewMockAuthority 创建默认批准的 MockAuthority
func NewMockAuthority() *MockAuthority {
	return &MockAuthority{
		decision: types.AuthorityDecision{Approved: true, Reason: "mock authority"},
	}
}

// WithDecision 设置裁决结果，value 为 JSON 文本
func (m *MockAuthority) WithDecision(approved bool, value string) *MockAuthority {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decision.Approved = approved
	if value != "" {
		m.decision.Value = json.RawMessage(value)
	}
	return m
}

// WithError 设置返回错误
func (m *MockAuthority) WithError(err error) *MockAuthority {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置响应延迟
func (m *MockAuthority) WithDelay(d time.Duration) *MockAuthority {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Escalate 实现 types.Authority
func (m *MockAuthority) Escalate(ctx context.Context, roundID, reason string) (types.AuthorityDecision, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockAuthorityCall{RoundID: roundID, Reason: reason})
	decision, err, delay := m.decision, m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.AuthorityDecision{}, ctx.Err()
		}
	}
	if err != nil {
		return types.AuthorityDecision{}, err
	}
	decision.DecidedAt = time.Now()
	return decision, nil
}

// Calls 返回全部调用记录
func (m *MockAuthority) Calls() []MockAuthorityCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAuthorityCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockAuthority) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
