// =============================================================================
// ✅ MockValidator - 负载校验模拟实现
// =============================================================================
// 按负载 ID 拒绝，记录调用次数
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/hivecoord/types"
)

// MockValidator 是 types.Validator 的模拟实现
type MockValidator struct {
	mu       sync.Mutex
	rejected map[string]string
	err      error
	calls    int
}

// NewMockValidator 创建全部放行的 MockValidator
func NewMockValidator() *MockValidator {
	return &MockValidator{rejected: make(map[string]string)}
}

// Reject 对指定负载 ID 返回校验失败
func (m *MockValidator) Reject(payloadID, message string) *MockValidator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[payloadID] = message
	return m
}

// WithError 设置返回错误
func (m *MockValidator) WithError(err error) *MockValidator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Validate 实现 types.Validator
func (m *MockValidator) Validate(_ context.Context, p types.Payload) (*types.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if msg, ok := m.rejected[p.ID]; ok {
		return &types.ValidationResult{
			Valid:  false,
			Issues: []types.Issue{{Rule: "mock", Message: msg}},
		}, nil
	}
	return &types.ValidationResult{Valid: true}, nil
}

// CallCount 返回调用次数
func (m *MockValidator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
