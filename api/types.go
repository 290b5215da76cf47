package api

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/hivecoord/consensus"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 📦 通用响应
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Retryable   bool              `json:"retryable,omitempty"`
	PrincipalID types.PrincipalID `json:"principal_id,omitempty"`
	RoundID     string            `json:"round_id,omitempty"`
	HTTPStatus  int               `json:"-"`
}

// =============================================================================
// 🧭 路由
// =============================================================================

// RouteRequest 路由 / 路由并投递请求
// @Description 路由请求结构
type RouteRequest struct {
	Payload types.Payload `json:"payload"`
	// low, medium, high, critical；空值按 medium
	Criticality types.Criticality `json:"criticality,omitempty" example:"high"`
}

// =============================================================================
// 🗳️ 共识
// =============================================================================

// ProposeRequest 共识提案请求
// @Description 提案请求结构
type ProposeRequest struct {
	Payload  types.Payload     `json:"payload"`
	Proposer types.PrincipalID `json:"proposer" example:"p1"`
	// Slot 同一 slot 只会提交一个值，默认使用 payload.id
	Slot string `json:"slot,omitempty"`
	// TTL 提案存活时间，如 "30s"
	TTL string `json:"ttl,omitempty" example:"30s"`
	// Wait 为 true 时等待最终结果再返回
	Wait bool `json:"wait,omitempty"`
}

// ProposeResponse 提案响应
type ProposeResponse struct {
	ProposalID string `json:"proposal_id"`
	// Decision 仅在 wait=true 时返回
	Decision *consensus.Decision `json:"decision,omitempty"`
}

// =============================================================================
// ✉️ 消息
// =============================================================================

// SendRequest 点对点消息请求
// @Description 消息发送请求结构
type SendRequest struct {
	Target  types.PrincipalID `json:"target" example:"p2"`
	Topic   string            `json:"topic,omitempty"`
	Payload json.RawMessage   `json:"payload"`
	// best_effort, at_least_once, exactly_once
	Reliability string         `json:"reliability,omitempty" example:"at_least_once"`
	Priority    types.Priority `json:"priority,omitempty"`
	TTL         string         `json:"ttl,omitempty" example:"10s"`
}

// BroadcastRequest 广播请求
// @Description 广播请求结构
type BroadcastRequest struct {
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Reliability string          `json:"reliability,omitempty"`
	TTL         string          `json:"ttl,omitempty"`
}

// BroadcastResponse 广播结果
type BroadcastResponse struct {
	Acks     []*messaging.Ack             `json:"acks"`
	Accepted []types.PrincipalID          `json:"accepted"`
	Failures map[types.PrincipalID]string `json:"failures,omitempty"`
}

// =============================================================================
// 🛡️ 节点管理
// =============================================================================

// QuarantineRequest 手动隔离节点
// @Description 隔离请求结构
type QuarantineRequest struct {
	Reason string `json:"reason" example:"manual"`
	// Duration 空值使用默认隔离时长，"-1s" 表示只能手动解除
	Duration string `json:"duration,omitempty" example:"10m"`
}
