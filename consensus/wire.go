package consensus

import (
	"encoding/json"

	"github.com/BaSui01/hivecoord/types"
)

// 共识消息在 messaging 上使用的 Topic
const (
	TopicProposal = "consensus.proposal"
	TopicPrepared = "consensus.prepared"
	TopicDecision = "consensus.decision"
)

// Certificate prepare 阶段达到法定票数的证明，副本据此投 commit 票
type Certificate struct {
	ProposalID ProposalID          `json:"proposal_id"`
	Slot       string              `json:"slot"`
	View       int                 `json:"view"`
	Digest     string              `json:"digest"`
	Required   int                 `json:"required"`
	Voters     []types.PrincipalID `json:"voters"`
}

// Valid 证明是否自洽：投票者去重后不少于法定票数
func (c *Certificate) Valid() bool {
	if c.ProposalID == "" || c.Digest == "" || c.Required < 1 {
		return false
	}
	seen := make(map[types.PrincipalID]struct{}, len(c.Voters))
	for _, id := range c.Voters {
		seen[id] = struct{}{}
	}
	return len(seen) >= c.Required && len(seen) == len(c.Voters)
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode consensus message").WithCause(err)
	}
	return b, nil
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, types.NewValidationError("decode consensus message: %v", err)
	}
	return &out, nil
}
