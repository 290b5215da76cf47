package consensus

import (
	"errors"
	"sort"

	"github.com/BaSui01/hivecoord/types"
)

// RequiredQuorum 返回 n 个健康节点下的法定票数：floor(2n/3)+1
func RequiredQuorum(n int) int {
	if n < 0 {
		n = 0
	}
	return 2*n/3 + 1
}

// ByzantineTolerance 返回可容忍的拜占庭节点数：floor((n-1)/3)
func ByzantineTolerance(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// EmergencyQuorum 紧急法定人数：剩余健康节点的简单多数
func EmergencyQuorum(n int) int {
	if n < 0 {
		n = 0
	}
	return n/2 + 1
}

// =============================================================================
// 🗳️ Tally
// =============================================================================

// AddOutcome 计票结果
type AddOutcome string

const (
	VoteRecorded  AddOutcome = "recorded"
	VoteReplaced  AddOutcome = "replaced"
	VoteDuplicate AddOutcome = "duplicate"
	VoteStale     AddOutcome = "stale"
)

var (
	// ErrInconsistentVote 同一投票者在同一阶段给出矛盾的票
	ErrInconsistentVote = errors.New("inconsistent vote")
	// ErrPhaseClosed 阶段已关闭，不再接受新投票者
	ErrPhaseClosed = errors.New("phase closed")
)

// Tally 单个阶段的计票器。阈值只通过 SetRequiredVotes 显式更新。
// 非并发安全，由所属轮次的锁串行化。
type Tally struct {
	required int
	votes    map[types.PrincipalID]Vote
	closed   bool
}

// NewTally 创建计票器
func NewTally(required int) *Tally {
	t := &Tally{votes: make(map[types.PrincipalID]Vote)}
	t.SetRequiredVotes(required)
	return t
}

// SetRequiredVotes 重新设定法定票数，最小为 1
func (t *Tally) SetRequiredVotes(n int) {
	if n < 1 {
		n = 1
	}
	t.required = n
}

// RequiredVotes 当前法定票数
func (t *Tally) RequiredVotes() int { return t.required }

// Add 记录一张票。
//   - 相同 Revision、相同取值：重复
//   - 相同 Revision、不同取值：ErrInconsistentVote
//   - 更高 Revision：阶段未关闭时替换；已关闭且取值不同为 ErrInconsistentVote
//   - 更低 Revision：过期，忽略
func (t *Tally) Add(v Vote) (AddOutcome, error) {
	prev, ok := t.votes[v.VoterID]
	if !ok {
		if t.closed {
			return VoteStale, ErrPhaseClosed
		}
		t.votes[v.VoterID] = v
		return VoteRecorded, nil
	}

	switch {
	case v.Revision == prev.Revision:
		if v.Value == prev.Value {
			return VoteDuplicate, nil
		}
		return VoteDuplicate, ErrInconsistentVote
	case v.Revision < prev.Revision:
		return VoteStale, nil
	case t.closed:
		if v.Value != prev.Value {
			return VoteStale, ErrInconsistentVote
		}
		return VoteDuplicate, nil
	default:
		t.votes[v.VoterID] = v
		return VoteReplaced, nil
	}
}

// Count 取值为 value 的票数
func (t *Tally) Count(value string) int {
	n := 0
	for _, v := range t.votes {
		if v.Value == value {
			n++
		}
	}
	return n
}

// Reached 取值 value 是否达到法定票数
func (t *Tally) Reached(value string) bool { return t.Count(value) >= t.required }

// Voters 投出 value 的投票者，按 id 排序
func (t *Tally) Voters(value string) []types.PrincipalID {
	ids := make([]types.PrincipalID, 0, len(t.votes))
	for id, v := range t.votes {
		if v.Value == value {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has 投票者是否已投票
func (t *Tally) Has(voter types.PrincipalID) bool {
	_, ok := t.votes[voter]
	return ok
}

// Size 已投票人数
func (t *Tally) Size() int { return len(t.votes) }

// Remove 丢弃某投票者的票（节点被隔离时）
func (t *Tally) Remove(voter types.PrincipalID) bool {
	if _, ok := t.votes[voter]; !ok {
		return false
	}
	delete(t.votes, voter)
	return true
}

// Close 关闭阶段
func (t *Tally) Close() { t.closed = true }

// Closed reports whether the phase is closed.
func (t *Tally) Closed() bool { return t.closed }
