package router

import (
	"time"

	"github.com/BaSui01/hivecoord/circuitbreaker"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/types"
)

// Strategy 投递策略
type Strategy string

const (
	StrategyTargeted  Strategy = "targeted"
	StrategyBroadcast Strategy = "broadcast"
	StrategyCascade   Strategy = "cascade"
	StrategyRedundant Strategy = "redundant"
)

// Weights 评分权重，五项之和应为 1
type Weights struct {
	Domain      float64 `json:"domain" yaml:"domain"`
	Load        float64 `json:"load" yaml:"load"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	Latency     float64 `json:"latency" yaml:"latency"`
	Context     float64 `json:"context" yaml:"context"`
}

// DefaultWeights 默认权重 0.4 / 0.2 / 0.2 / 0.1 / 0.1
func DefaultWeights() Weights {
	return Weights{Domain: 0.4, Load: 0.2, Reliability: 0.2, Latency: 0.1, Context: 0.1}
}

func (w Weights) sum() float64 {
	return w.Domain + w.Load + w.Reliability + w.Latency + w.Context
}

// Config 路由器配置
type Config struct {
	Weights Weights `json:"weights"`

	// TopK high 关键度下的目标数
	TopK int `json:"top_k"`
	// RedundantPaths critical 关键度下并行路径数
	RedundantPaths int `json:"redundant_paths"`
	// MaxHops cascade 跳数上限
	MaxHops int `json:"max_hops"`

	// Window 可靠性滚动窗口大小
	Window int `json:"window"`
	// LatencyCeiling 延迟归一化上限，超过即记为最差
	LatencyCeiling time.Duration `json:"latency_ceiling"`

	Breaker circuitbreaker.Config `json:"-"`

	Now func() time.Time `json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		TopK:           2,
		RedundantPaths: 3,
		MaxHops:        messaging.DefaultMaxHops,
		Window:         20,
		LatencyCeiling: 2 * time.Second,
		Breaker:        circuitbreaker.DefaultConfig(),
		Now:            time.Now,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Weights.sum() <= 0 {
		c.Weights = d.Weights
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.RedundantPaths <= 0 {
		c.RedundantPaths = d.RedundantPaths
	}
	if c.MaxHops <= 0 {
		c.MaxHops = d.MaxHops
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = d.LatencyCeiling
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Breaker.Now == nil {
		c.Breaker.Now = c.Now
	}
}

// Score 单个候选节点的评分明细
type Score struct {
	PrincipalID types.PrincipalID `json:"principal_id"`
	Total       float64           `json:"total"`
	Domain      float64           `json:"domain"`
	Load        float64           `json:"load"`
	Reliability float64           `json:"reliability"`
	Latency     float64           `json:"latency"`
	Context     float64           `json:"context"`
}

// Decision 路由决策
type Decision struct {
	PayloadID   string              `json:"payload_id"`
	Strategy    Strategy            `json:"strategy"`
	Criticality types.Criticality   `json:"criticality"`
	Targets     []types.PrincipalID `json:"targets"`
	Scores      []Score             `json:"scores"`
	DecidedAt   time.Time           `json:"decided_at"`
}
