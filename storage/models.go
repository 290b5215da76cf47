package storage

import (
	"strings"
	"time"
)

// DecisionRecord 一次已结束轮次的决策
type DecisionRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ProposalID   string    `gorm:"size:64;not null;uniqueIndex" json:"proposal_id"`
	Slot         string    `gorm:"size:128;not null;index:idx_slot" json:"slot"`
	View         int       `gorm:"default:0" json:"view"`
	Status       string    `gorm:"size:16;not null;index:idx_status" json:"status"` // committed / aborted / escalated
	Path         string    `gorm:"size:16" json:"path,omitempty"`                   // normal / emergency / authority
	Digest       string    `gorm:"size:128" json:"digest,omitempty"`
	Value        string    `gorm:"type:text" json:"value,omitempty"`
	Approved     bool      `gorm:"default:false" json:"approved,omitempty"`
	Reason       string    `gorm:"size:255" json:"reason,omitempty"`
	SupersededBy string    `gorm:"size:64" json:"superseded_by,omitempty"`
	Voters       string    `gorm:"type:text" json:"voters,omitempty"` // 逗号分隔
	DecidedAt    time.Time `gorm:"not null;index" json:"decided_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 指定表名
func (DecisionRecord) TableName() string { return "decision_records" }

// VoterIDs 返回参与提交的投票者
func (r DecisionRecord) VoterIDs() []string {
	if r.Voters == "" {
		return nil
	}
	return strings.Split(r.Voters, ",")
}

// AuditEvent 审计事件
type AuditEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RoundID     string    `gorm:"size:64;index:idx_round" json:"round_id"`
	PrincipalID string    `gorm:"size:64;index:idx_principal" json:"principal_id,omitempty"`
	Kind        string    `gorm:"size:32;not null" json:"kind"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	At          time.Time `gorm:"not null" json:"at"`
}

// TableName 指定表名
func (AuditEvent) TableName() string { return "audit_events" }

// 审计事件类型
const (
	KindProposed     = "proposed"
	KindCommitted    = "committed"
	KindAborted      = "aborted"
	KindViewChange   = "view_change"
	KindEmergency    = "emergency_quorum"
	KindEscalation   = "escalation"
	KindViolation    = "violation"
	KindQuarantine   = "quarantine"
	KindRehabilitate = "rehabilitate"
)
