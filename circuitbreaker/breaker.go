package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/retry"
	"github.com/BaSui01/hivecoord/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（只允许一次试探）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// RetryAfter 首次熔断的冷却时间（Open -> HalfOpen）
	RetryAfter time.Duration

	// MaxRetryAfter 冷却时间上限（试探失败后指数增长）
	MaxRetryAfter time.Duration

	// Multiplier 试探失败后冷却时间倍增因子
	Multiplier float64

	// OnStateChange 状态变更回调，在锁外同步执行
	OnStateChange func(id types.PrincipalID, from, to State)

	// Now 可注入时钟
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:     5,
		RetryAfter:    30 * time.Second,
		MaxRetryAfter: 5 * time.Minute,
		Multiplier:    2.0,
		Now:           time.Now,
	}
}

func (c *Config) normalize() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 30 * time.Second
	}
	if c.MaxRetryAfter < c.RetryAfter {
		c.MaxRetryAfter = c.RetryAfter
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// 错误定义
var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("half-open probe already in flight")
)

// Snapshot 熔断器状态快照
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at"`
	RetryAfter          time.Duration `json:"retry_after"`
}

// Breaker 单个节点的熔断器
// 状态迁移是路由器可达性判断的唯一来源。
type Breaker struct {
	id      types.PrincipalID
	config  Config
	backoff retry.Policy
	logger  *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int       // 连续失败次数
	openedAt      time.Time // 最近一次打开时间
	retryAfter    time.Duration
	reopenCount   int  // 连续试探失败次数，用于退避
	probeInFlight bool // 半开状态下是否已放行试探
}

// New 创建熔断器
func New(id types.PrincipalID, config Config, logger *zap.Logger) *Breaker {
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		id:     id,
		config: config,
		backoff: retry.Policy{
			InitialDelay: config.RetryAfter,
			MaxDelay:     config.MaxRetryAfter,
			Multiplier:   config.Multiplier,
		},
		logger:     logger.With(zap.String("principal_id", string(id))),
		state:      StateClosed,
		retryAfter: config.RetryAfter,
	}
}

// Allow 请求放行。打开状态冷却结束后，第一个调用方进入半开状态并占用唯一的试探名额。
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.config.Now().Sub(b.openedAt) < b.retryAfter {
			b.mu.Unlock()
			return b.openError()
		}
		from := b.setState(StateHalfOpen)
		b.probeInFlight = true
		b.mu.Unlock()

		b.logger.Info("circuit half-open, probing")
		b.notify(from, StateHalfOpen)
		return nil

	default: // StateHalfOpen
		if b.probeInFlight {
			b.mu.Unlock()
			return types.NewError(types.ErrCircuitOpen, "probe in flight").
				WithPrincipal(b.id).WithRetryable(true).WithCause(ErrProbeInFlight)
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil
	}
}

// Eligible 判断节点当前能否参与评分，不改变状态
func (b *Breaker) Eligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.config.Now().Sub(b.openedAt) >= b.retryAfter
	default:
		return !b.probeInFlight
	}
}

// Record 记录一次调用结果
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	from := b.state

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
	to := b.state
	failures, retryAfter := b.failures, b.retryAfter
	b.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		b.logger.Warn("circuit opened",
			zap.String("from", from.String()),
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_after", retryAfter))
	case StateClosed:
		b.logger.Info("circuit closed")
	}
	b.notify(from, to)
}

// onSuccess 调用方须持有 b.mu
func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.setState(StateClosed)
		b.failures = 0
		b.reopenCount = 0
		b.retryAfter = b.config.RetryAfter
		b.probeInFlight = false
	case StateOpen:
		// 熔断前发出的请求迟到的结果，不影响状态
	}
}

// onFailure 调用方须持有 b.mu
func (b *Breaker) onFailure() {
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.Threshold {
			b.setState(StateOpen)
			b.openedAt = b.config.Now()
			b.retryAfter = b.config.RetryAfter
		}
	case StateHalfOpen:
		b.reopenCount++
		b.setState(StateOpen)
		b.openedAt = b.config.Now()
		b.retryAfter = b.backoff.Delay(b.reopenCount + 1)
		b.probeInFlight = false
	case StateOpen:
	}
}

// setState 调用方须持有 b.mu
func (b *Breaker) setState(s State) State {
	from := b.state
	b.state = s
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.id, from, to)
	}
}

func (b *Breaker) openError() error {
	return types.NewError(types.ErrCircuitOpen, "circuit open").
		WithPrincipal(b.id).WithRetryable(true).WithCause(ErrOpen)
}

// Call 在熔断器保护下执行 fn 并记录结果
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err == nil)
	return err
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回状态快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		RetryAfter:          b.retryAfter,
	}
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setState(StateClosed)
	b.failures = 0
	b.reopenCount = 0
	b.retryAfter = b.config.RetryAfter
	b.probeInFlight = false
	b.mu.Unlock()

	b.logger.Info("circuit reset", zap.String("from_state", from.String()))
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
