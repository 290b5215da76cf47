package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 🚑 Recovery: view change → emergency quorum → authority
// =============================================================================

func (c *Coordinator) recover(r *round, reason string) {
	r.mu.Lock()
	effect := c.recoverLocked(r, reason)
	r.mu.Unlock()
	run(effect)
}

// recoverLocked 依次尝试视图变更、紧急法定人数、外部仲裁（持有 r.mu）
func (c *Coordinator) recoverLocked(r *round, reason string) func() {
	if r.status != StatusPending || r.escalating {
		return nil
	}
	if !c.config.Now().Before(r.proposal.Deadline()) {
		return nil
	}
	healthy := c.electorate()
	switch {
	case r.views < c.config.MaxViewChanges && len(healthy) > 0 && r.path == PathNormal:
		return c.viewChange(r, healthy, reason)
	case r.path == PathNormal && len(healthy) >= c.config.MinEmergencyNodes:
		return c.enterEmergency(r, healthy, reason)
	default:
		return c.escalate(r, reason)
	}
}

// viewChange 以新提案 ID、下一位提案者重开同一槽位，旧轮次以 SupersededBy 中止
func (c *Coordinator) viewChange(r *round, healthy []types.PrincipalID, reason string) func() {
	old := r.proposal
	now := c.config.Now()
	next := &Proposal{
		ID:             ProposalID(uuid.New().String()),
		Slot:           old.Slot,
		ProposerID:     nextProposer(healthy, old.ProposerID),
		Payload:        old.Payload,
		Digest:         old.Digest,
		RequiredQuorum: RequiredQuorum(len(healthy)),
		View:           old.View + 1,
		CreatedAt:      now,
		TTL:            old.Deadline().Sub(now),
	}
	if err := c.sign(next); err != nil {
		c.logger.Error("sign view change proposal failed", zap.String("round_id", string(old.ID)), zap.Error(err))
		return c.escalate(r, reason)
	}

	nr := c.open(next, healthy, r.views+1)
	d := r.outcome(StatusAborted, "view change: "+reason)
	d.SupersededBy = next.ID
	retire := c.conclude(r, d)

	return func() {
		run(retire)
		c.metrics.RecordViewChange()
		c.logger.Warn("view change",
			zap.String("round_id", string(old.ID)),
			zap.String("new_round_id", string(next.ID)),
			zap.String("principal_id", string(next.ProposerID)),
			zap.Int("view", next.View),
			zap.Int("required_quorum", nr.required()),
			zap.String("reason", reason))
		c.auditEvent(old.ID, next.ProposerID, storage.KindViewChange,
			fmt.Sprintf("%s; superseded by %s at view %d", reason, next.ID, next.View))
		c.auditEvent(next.ID, next.ProposerID, storage.KindProposed, fmt.Sprintf("view %d of slot %s", next.View, next.Slot))
		c.disseminateProposal(nr, healthy)
	}
}

// nextProposer 在排序后的健康节点上轮转
func nextProposer(healthy []types.PrincipalID, current types.PrincipalID) types.PrincipalID {
	for _, id := range healthy {
		if id > current {
			return id
		}
	}
	return healthy[0]
}

// enterEmergency 把当前轮次的门槛降为剩余健康节点的简单多数
func (c *Coordinator) enterEmergency(r *round, healthy []types.PrincipalID, reason string) func() {
	live := make(map[types.PrincipalID]struct{}, len(healthy))
	for _, id := range healthy {
		live[id] = struct{}{}
	}
	for id := range r.electorate {
		if _, ok := live[id]; !ok {
			delete(r.electorate, id)
		}
	}
	// 之前未收到提案的健康节点补发
	var missing []types.PrincipalID
	for _, id := range healthy {
		if _, ok := r.electorate[id]; !ok {
			r.electorate[id] = struct{}{}
		}
		if !r.prepare.Has(id) {
			missing = append(missing, id)
		}
	}

	quorum := EmergencyQuorum(len(healthy))
	r.path = PathEmergency
	r.setRequired(quorum)
	if r.viewTimer != nil {
		r.viewTimer.Stop()
	}
	if c.config.ViewTimeout < r.proposal.Deadline().Sub(c.config.Now()) {
		r.viewTimer = time.AfterFunc(c.config.ViewTimeout, func() { c.recover(r, "emergency quorum timeout") })
	}
	id := r.proposal.ID
	phase := r.phase
	effect := c.progress(r)

	return func() {
		c.metrics.RecordEscalation(string(PathEmergency))
		c.logger.Warn("emergency quorum activated",
			zap.String("round_id", string(id)),
			zap.Int("healthy", len(healthy)),
			zap.Int("required_quorum", quorum),
			zap.String("reason", reason))
		c.auditEvent(id, "", storage.KindEmergency, fmt.Sprintf("%s; quorum %d of %d", reason, quorum, len(healthy)))
		if phase == PhasePrepare && len(missing) > 0 {
			c.disseminateProposal(r, missing)
		}
		run(effect)
	}
}

// escalate 交给外部仲裁；未配置时以 quorum unreachable 中止
func (c *Coordinator) escalate(r *round, reason string) func() {
	r.escalating = true
	if r.viewTimer != nil {
		r.viewTimer.Stop()
	}
	if c.authority == nil {
		return c.conclude(r, r.outcome(StatusAborted, "quorum unreachable: "+reason))
	}
	id := r.proposal.ID
	return func() {
		c.metrics.RecordEscalation(string(PathAuthority))
		c.logger.Warn("escalating to authority",
			zap.String("round_id", string(id)),
			zap.String("reason", reason))
		c.auditEvent(id, "", storage.KindEscalation, reason)
		c.spawn(func() { c.consultAuthority(r, reason) })
	}
}

func (c *Coordinator) consultAuthority(r *round, reason string) {
	ctx, cancel := context.WithTimeout(r.ctx, c.config.AuthorityTimeout)
	defer cancel()
	verdict, err := c.authority.Escalate(ctx, string(r.proposal.ID), "quorum unreachable: "+reason)

	r.mu.Lock()
	var effect func()
	switch {
	case r.status != StatusPending:
	case err != nil:
		effect = c.conclude(r, r.outcome(StatusAborted, "authority escalation failed: "+err.Error()))
	case verdict.Approved && !c.claimSlot(r.proposal.Slot, r.proposal.ID):
		effect = c.conclude(r, r.outcome(StatusAborted, "slot already decided"))
	default:
		r.path = PathAuthority
		d := r.outcome(StatusEscalated, verdict.Reason)
		d.Approved = verdict.Approved
		d.Value = verdict.Value
		effect = c.conclude(r, d)
	}
	r.mu.Unlock()
	run(effect)
}

// =============================================================================
// 💓 Health changes
// =============================================================================

// onHealthChange 节点离线或被隔离时更新进行中的轮次；同步执行，不持有其他锁
func (c *Coordinator) onHealthChange(ch registry.HealthChange) {
	if ch.To.IsLive() || c.running() != nil {
		return
	}
	for _, r := range c.openRounds() {
		r.mu.Lock()
		effect := c.dropFromRound(r, ch)
		r.mu.Unlock()
		run(effect)
	}
}

func (c *Coordinator) dropFromRound(r *round, ch registry.HealthChange) func() {
	if r.status != StatusPending {
		return nil
	}
	if _, ok := r.electorate[ch.ID]; !ok {
		return nil
	}
	delete(r.electorate, ch.ID)

	if ch.To == types.HealthQuarantined {
		// 隔离节点的票作废，分母随之重算
		r.prepare.Remove(ch.ID)
		r.commit.Remove(ch.ID)
		if r.path == PathEmergency {
			r.setRequired(EmergencyQuorum(len(r.electorate)))
		} else {
			r.setRequired(RequiredQuorum(len(r.electorate)))
		}
		c.logger.Warn("quarantined voter removed from round",
			zap.String("round_id", string(r.proposal.ID)),
			zap.String("principal_id", string(ch.ID)),
			zap.Int("required_quorum", r.required()))
	}

	if len(r.electorate) < r.required() {
		return c.recoverLocked(r, fmt.Sprintf("healthy count %d below quorum %d", len(r.electorate), r.required()))
	}
	return c.progress(r)
}

// =============================================================================
// ⏱️ Unresponsive tracking
// =============================================================================

// trackMisses 超时或被视图变更取代的轮次里未投票的节点累计一次缺席
func (c *Coordinator) trackMisses(d Decision, responded map[types.PrincipalID]bool) {
	timedOut := d.Status == StatusAborted && (d.SupersededBy != "" || d.Reason == "ttl expired")

	var flagged []types.PrincipalID
	c.missMu.Lock()
	for id, ok := range responded {
		switch {
		case ok:
			delete(c.misses, id)
		case timedOut:
			c.misses[id]++
			if c.misses[id] >= c.config.UnresponsiveRounds {
				delete(c.misses, id)
				flagged = append(flagged, id)
			}
		}
	}
	c.missMu.Unlock()

	for _, id := range flagged {
		c.report(context.Background(), Violation{
			PrincipalID: id,
			Kind:        ViolationUnresponsive,
			RoundID:     d.ProposalID,
			Detail:      fmt.Sprintf("no vote in %d consecutive rounds", c.config.UnresponsiveRounds),
		})
	}
}

// responded 投票即清零缺席计数
func (c *Coordinator) responded(id types.PrincipalID) {
	c.missMu.Lock()
	delete(c.misses, id)
	c.missMu.Unlock()
}

// Misses 节点当前连续缺席轮数
func (c *Coordinator) Misses(id types.PrincipalID) int {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	return c.misses[id]
}
