package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 🧭 Principal model
// =============================================================================

// PrincipalID identifies a participating coordination node.
type PrincipalID string

// Broadcast is the reserved target meaning "every healthy principal".
const Broadcast PrincipalID = "all"

// HealthState 节点健康状态
type HealthState string

const (
	HealthActive      HealthState = "active"
	HealthDegraded    HealthState = "degraded"
	HealthQuarantined HealthState = "quarantined"
	HealthOffline     HealthState = "offline"
)

func (h HealthState) String() string { return string(h) }

// IsLive reports whether a principal in this state may receive work.
func (h HealthState) IsLive() bool {
	return h == HealthActive || h == HealthDegraded
}

// Principal 参与协调的节点
type Principal struct {
	ID            PrincipalID `json:"id" yaml:"id"`
	Domain        string      `json:"domain" yaml:"domain"`
	Capabilities  []string    `json:"capabilities,omitempty" yaml:"capabilities"`
	Keywords      []string    `json:"keywords,omitempty" yaml:"keywords"`
	Capacity      int         `json:"capacity" yaml:"capacity"`
	TrustScore    float64     `json:"trust_score" yaml:"trust_score"`
	Health        HealthState `json:"health" yaml:"health"`
	LastHeartbeat time.Time   `json:"last_heartbeat" yaml:"-"`
}

// Criticality 负载的关键程度，决定路由策略
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// ParseCriticality parses a criticality name, case-insensitively.
func ParseCriticality(s string) (Criticality, error) {
	switch c := Criticality(strings.ToLower(strings.TrimSpace(s))); c {
	case CriticalityLow, CriticalityMedium, CriticalityHigh, CriticalityCritical:
		return c, nil
	case "":
		return CriticalityMedium, nil
	default:
		return "", NewValidationError("unknown criticality %q", s)
	}
}

// Priority 消息优先级，数值越大越先处理
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "low":
		*p = PriorityLow
	case "medium", "":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	case "critical":
		*p = PriorityCritical
	default:
		return NewValidationError("unknown priority %q", string(b))
	}
	return nil
}
