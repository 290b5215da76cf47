package consensus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/hivecoord/types"
)

// ProposalID 提案标识，视图变更时生成新的 ID
type ProposalID string

// Phase 投票阶段
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseCommit  Phase = "commit"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p == PhasePrepare || p == PhaseCommit }

// Reject 是反对票的取值；赞成票的取值为提案摘要
const Reject = "reject"

// Status 轮次状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
	StatusEscalated Status = "escalated"
)

// Final reports whether the status is terminal.
func (s Status) Final() bool { return s != StatusPending && s != "" }

// Path 决策路径
type Path string

const (
	PathNormal    Path = "normal"
	PathEmergency Path = "emergency"
	PathAuthority Path = "authority"
)

// Proposal 共识提案，创建后不可修改
type Proposal struct {
	ID             ProposalID        `json:"id"`
	Slot           string            `json:"slot"`
	ProposerID     types.PrincipalID `json:"proposer_id"`
	Payload        types.Payload     `json:"payload"`
	Digest         string            `json:"digest"`
	RequiredQuorum int               `json:"required_quorum"`
	View           int               `json:"view"`
	CreatedAt      time.Time         `json:"created_at"`
	TTL            time.Duration     `json:"ttl"`
	// SignedBy 签名方；本地提案由协调者代为签名
	SignedBy  types.PrincipalID `json:"signed_by,omitempty"`
	Signature []byte            `json:"signature,omitempty"`
}

// Deadline returns the moment the proposal expires.
func (p *Proposal) Deadline() time.Time { return p.CreatedAt.Add(p.TTL) }

// Expired reports whether the ttl has elapsed at now.
func (p *Proposal) Expired(now time.Time) bool { return !now.Before(p.Deadline()) }

// SigningBytes is the canonical encoding covered by the signature.
func (p *Proposal) SigningBytes() []byte {
	c := *p
	c.Signature = nil
	b, _ := json.Marshal(&c)
	return b
}

var errMalformed = errors.New("malformed proposal")

// WellFormed 检查必填字段
func (p *Proposal) WellFormed() error {
	switch {
	case p == nil:
		return errMalformed
	case p.ID == "" || p.Slot == "" || p.ProposerID == "":
		return errors.New("malformed proposal: id, slot and proposer are required")
	case p.Digest == "":
		return errors.New("malformed proposal: missing digest")
	case p.TTL <= 0 || p.CreatedAt.IsZero():
		return errors.New("malformed proposal: missing ttl or creation time")
	case p.RequiredQuorum < 1:
		return errors.New("malformed proposal: required quorum must be positive")
	case p.Payload.ID == "":
		return errors.New("malformed proposal: payload id is required")
	}
	return nil
}

// Vote 一张投票；同一 (提案, 投票者, 阶段) 只计一票，阶段关闭前可用更高 Revision 改票
type Vote struct {
	ProposalID ProposalID        `json:"proposal_id"`
	VoterID    types.PrincipalID `json:"voter_id"`
	Phase      Phase             `json:"phase"`
	Value      string            `json:"value"`
	Revision   int               `json:"revision,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Signature  []byte            `json:"signature,omitempty"`
}

// SigningBytes is the canonical encoding covered by the signature.
func (v *Vote) SigningBytes() []byte {
	c := *v
	c.Signature = nil
	b, _ := json.Marshal(&c)
	return b
}

// VoteResult 投票处理结果
type VoteResult struct {
	Outcome AddOutcome `json:"outcome"`
	// Phase 处理后轮次所处阶段
	Phase Phase `json:"phase"`
	// Count 该阶段赞成票数
	Count    int    `json:"count"`
	Required int    `json:"required"`
	Status   Status `json:"status"`
}

// Decision 轮次结果
type Decision struct {
	ProposalID   ProposalID          `json:"proposal_id"`
	Slot         string              `json:"slot"`
	Status       Status              `json:"status"`
	Path         Path                `json:"path,omitempty"`
	Value        json.RawMessage     `json:"value,omitempty"`
	Digest       string              `json:"digest,omitempty"`
	Approved     bool                `json:"approved,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	SupersededBy ProposalID          `json:"superseded_by,omitempty"`
	Voters       []types.PrincipalID `json:"voters,omitempty"`
	View         int                 `json:"view"`
	DecidedAt    time.Time           `json:"decided_at,omitempty"`
}

// Stats 轮次计数
type Stats struct {
	Committed int64 `json:"committed_rounds"`
	Aborted   int64 `json:"aborted_rounds"`
	Escalated int64 `json:"escalated_rounds"`
	Open      int   `json:"open_rounds"`
}
