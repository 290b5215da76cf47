package consensus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// round 单个提案的状态机：prepare → commit → 结束。
// 所有字段由 mu 保护，计票器不再单独加锁。
type round struct {
	mu sync.Mutex

	proposal   *Proposal
	phase      Phase
	prepare    *Tally
	commit     *Tally
	electorate map[types.PrincipalID]struct{}
	status     Status
	path       Path
	// views 同一槽位已发生的视图变更次数
	views      int
	escalating bool
	decision   Decision
	done       chan struct{}

	ttlTimer  *time.Timer
	viewTimer *time.Timer

	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	startedAt time.Time
}

func (r *round) tally(p Phase) *Tally {
	if p == PhaseCommit {
		return r.commit
	}
	return r.prepare
}

func (r *round) required() int { return r.prepare.RequiredVotes() }

// setRequired 显式更新两个阶段的法定票数
func (r *round) setRequired(n int) {
	r.prepare.SetRequiredVotes(n)
	r.commit.SetRequiredVotes(n)
}

func (r *round) electorateIDs() []types.PrincipalID {
	ids := make([]types.PrincipalID, 0, len(r.electorate))
	for id := range r.electorate {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// outcome 以当前提案为底构造终态决策
func (r *round) outcome(status Status, reason string) Decision {
	return Decision{
		ProposalID: r.proposal.ID,
		Slot:       r.proposal.Slot,
		Status:     status,
		Path:       r.path,
		Digest:     r.proposal.Digest,
		Reason:     reason,
		View:       r.proposal.View,
	}
}

func (r *round) snapshot() Decision {
	if r.status.Final() {
		return r.decision
	}
	return r.outcome(StatusPending, "")
}

// =============================================================================
// ▶️ lifecycle
// =============================================================================

// open 登记轮次并启动 TTL 与视图计时器；可在其他轮次锁内调用
func (c *Coordinator) open(p *Proposal, electorate []types.PrincipalID, views int) *round {
	required := RequiredQuorum(len(electorate))
	if p.RequiredQuorum > required {
		required = p.RequiredQuorum
	}
	r := &round{
		proposal:   p,
		phase:      PhasePrepare,
		prepare:    NewTally(required),
		commit:     NewTally(required),
		electorate: make(map[types.PrincipalID]struct{}, len(electorate)),
		status:     StatusPending,
		path:       PathNormal,
		views:      views,
		done:       make(chan struct{}),
		startedAt:  c.config.Now(),
	}
	for _, id := range electorate {
		r.electorate[id] = struct{}{}
	}
	r.ctx, r.cancel = context.WithCancel(c.ctx)
	_, r.span = otel.Tracer("hivecoord/consensus").Start(c.ctx, "consensus.round",
		trace.WithAttributes(
			attribute.String("round_id", string(p.ID)),
			attribute.String("slot", p.Slot),
			attribute.String("proposer", string(p.ProposerID)),
			attribute.Int("view", p.View),
			attribute.Int("required_quorum", required),
		))

	c.mu.Lock()
	c.rounds[p.ID] = r
	c.mu.Unlock()

	remaining := p.Deadline().Sub(c.config.Now())
	if remaining < 0 {
		remaining = 0
	}
	r.mu.Lock()
	r.ttlTimer = time.AfterFunc(remaining, func() { c.expire(r) })
	if c.config.ViewTimeout < remaining {
		r.viewTimer = time.AfterFunc(c.config.ViewTimeout, func() { c.recover(r, "view timeout") })
	}
	r.mu.Unlock()
	return r
}

// start 开启轮次、写审计并分发提案
func (c *Coordinator) start(ctx context.Context, p *Proposal, electorate []types.PrincipalID, views int) {
	r := c.open(p, electorate, views)
	c.logger.Info("proposal opened",
		zap.String("round_id", string(p.ID)),
		zap.String("slot", p.Slot),
		zap.String("principal_id", string(p.ProposerID)),
		zap.Int("required_quorum", r.required()),
		zap.Int("electorate", len(electorate)))
	c.auditEvent(p.ID, p.ProposerID, storage.KindProposed, "slot "+p.Slot)
	c.disseminateProposal(r, electorate)
}

func (c *Coordinator) expire(r *round) {
	r.mu.Lock()
	var effect func()
	if r.status == StatusPending {
		effect = c.conclude(r, r.outcome(StatusAborted, "ttl expired"))
	}
	r.mu.Unlock()
	run(effect)
}

// progress 检查是否达到法定票数，返回需在释放锁后执行的动作
func (c *Coordinator) progress(r *round) func() {
	if r.status != StatusPending {
		return nil
	}
	digest := r.proposal.Digest
	switch r.phase {
	case PhasePrepare:
		if r.prepare.Reached(digest) {
			r.prepare.Close()
			r.phase = PhaseCommit
			cert := Certificate{
				ProposalID: r.proposal.ID,
				Slot:       r.proposal.Slot,
				View:       r.proposal.View,
				Digest:     digest,
				Required:   r.required(),
				Voters:     r.prepare.Voters(digest),
			}
			targets := r.electorateIDs()
			c.logger.Debug("prepare quorum reached",
				zap.String("round_id", string(r.proposal.ID)),
				zap.Int("votes", len(cert.Voters)))
			return func() { c.disseminateCertificate(r, cert, targets) }
		}
	case PhaseCommit:
		if r.commit.Reached(digest) {
			return c.finalize(r)
		}
	}

	t := r.tally(r.phase)
	outstanding := 0
	for id := range r.electorate {
		if !t.Has(id) {
			outstanding++
		}
	}
	if t.Count(digest)+outstanding < t.RequiredVotes() {
		return c.conclude(r, r.outcome(StatusAborted, "rejected: quorum unreachable in "+string(r.phase)))
	}
	return nil
}

// finalize 提交轮次；槽位已被其他提案占用时中止
func (c *Coordinator) finalize(r *round) func() {
	if !c.claimSlot(r.proposal.Slot, r.proposal.ID) {
		return c.conclude(r, r.outcome(StatusAborted, "slot already decided"))
	}
	d := r.outcome(StatusCommitted, "")
	d.Value = r.proposal.Payload.Body
	d.Voters = r.commit.Voters(r.proposal.Digest)
	return c.conclude(r, d)
}

// conclude 进入终态（持有 r.mu）：停计时器、唤醒等待方，返回收尾动作
func (c *Coordinator) conclude(r *round, d Decision) func() {
	if r.status != StatusPending {
		return nil
	}
	d.DecidedAt = c.config.Now()
	r.status = d.Status
	r.decision = d
	r.ttlTimer.Stop()
	if r.viewTimer != nil {
		r.viewTimer.Stop()
	}
	close(r.done)
	r.cancel()

	responded := make(map[types.PrincipalID]bool, len(r.electorate))
	for id := range r.electorate {
		responded[id] = r.prepare.Has(id) || r.commit.Has(id)
	}
	targets := r.electorateIDs()
	elapsed := c.config.Now().Sub(r.startedAt)
	return func() { c.retire(r, d, responded, targets, elapsed) }
}

// retire 轮次结束后的收尾：移出轮次表、计数、持久化、奖励与决策广播
func (c *Coordinator) retire(r *round, d Decision, responded map[types.PrincipalID]bool, targets []types.PrincipalID, elapsed time.Duration) {
	c.mu.Lock()
	if c.rounds[d.ProposalID] == r {
		delete(c.rounds, d.ProposalID)
	}
	c.mu.Unlock()
	c.decided.Add(d.ProposalID, d)

	switch d.Status {
	case StatusCommitted:
		c.committed.Add(1)
	case StatusEscalated:
		c.escalated.Add(1)
	default:
		c.aborted.Add(1)
	}
	c.metrics.RecordRound(string(d.Status), elapsed)

	r.span.SetAttributes(attribute.String("status", string(d.Status)), attribute.String("path", string(d.Path)))
	if d.Status == StatusAborted {
		r.span.SetStatus(codes.Error, d.Reason)
	}
	r.span.End()

	fields := []zap.Field{
		zap.String("round_id", string(d.ProposalID)),
		zap.String("slot", d.Slot),
		zap.String("status", string(d.Status)),
		zap.String("path", string(d.Path)),
		zap.String("reason", d.Reason),
		zap.Int("view", d.View),
	}
	if d.Status == StatusCommitted {
		c.logger.Info("round concluded", fields...)
	} else {
		c.logger.Warn("round concluded", fields...)
	}

	c.persist(d)
	kind := storage.KindAborted
	switch d.Status {
	case StatusCommitted:
		kind = storage.KindCommitted
	case StatusEscalated:
		kind = storage.KindEscalation
	}
	c.auditEvent(d.ProposalID, "", kind, d.Reason)

	if d.Status == StatusCommitted {
		for _, id := range d.Voters {
			if err := c.roster.Reward(id, c.config.CommitReward); err != nil {
				c.logger.Debug("reward failed", zap.String("principal_id", string(id)), zap.Error(err))
			}
		}
	}
	c.trackMisses(d, responded)

	if d.Status == StatusCommitted || (d.Status == StatusEscalated && d.Approved) {
		c.disseminateDecision(d, targets)
	}
}

// =============================================================================
// 📡 dissemination
// =============================================================================

func (c *Coordinator) disseminateProposal(r *round, targets []types.PrincipalID) {
	body, err := encode(r.proposal)
	if err != nil {
		c.logger.Error("encode proposal failed", zap.String("round_id", string(r.proposal.ID)), zap.Error(err))
		return
	}
	for _, id := range targets {
		c.send(r.ctx, id, TopicProposal, body, r.proposal.Deadline(), true)
	}
}

func (c *Coordinator) disseminateCertificate(r *round, cert Certificate, targets []types.PrincipalID) {
	body, err := encode(cert)
	if err != nil {
		c.logger.Error("encode certificate failed", zap.String("round_id", string(cert.ProposalID)), zap.Error(err))
		return
	}
	for _, id := range targets {
		c.send(r.ctx, id, TopicPrepared, body, r.proposal.Deadline(), true)
	}
}

func (c *Coordinator) disseminateDecision(d Decision, targets []types.PrincipalID) {
	body, err := encode(d)
	if err != nil {
		return
	}
	deadline := c.config.Now().Add(c.config.TTL)
	for _, id := range targets {
		c.send(c.ctx, id, TopicDecision, body, deadline, false)
	}
}

// send 异步发送一条共识消息；expectVote 时把确认中的投票交回 Vote
func (c *Coordinator) send(ctx context.Context, target types.PrincipalID, topic string, body json.RawMessage, deadline time.Time, expectVote bool) {
	if c.sender == nil || target == c.sender.ID() {
		return
	}
	c.spawn(func() {
		ttl := deadline.Sub(c.config.Now())
		if ttl <= 0 {
			return
		}
		msg := messaging.NewMessage(messaging.TypeRequest, target, body)
		msg.Topic = topic
		msg.Reliability = messaging.AtLeastOnce
		msg.Priority = types.PriorityHigh
		msg.TTL = ttl

		ack, err := c.sender.Send(ctx, msg)
		if err != nil {
			c.logger.Debug("consensus message not delivered",
				zap.String("topic", topic),
				zap.String("principal_id", string(target)),
				zap.Error(err))
			return
		}
		if !ack.Accepted {
			c.logger.Debug("consensus message rejected",
				zap.String("topic", topic),
				zap.String("principal_id", string(target)),
				zap.String("reason", ack.Reason))
			return
		}
		if !expectVote || len(ack.Result) == 0 {
			return
		}
		vote, err := decode[Vote](ack.Result)
		if err != nil {
			c.logger.Warn("undecodable vote", zap.String("principal_id", string(target)), zap.Error(err))
			return
		}
		if vote.VoterID != target {
			c.logger.Warn("vote voter does not match responder",
				zap.String("principal_id", string(target)),
				zap.String("voter", string(vote.VoterID)))
			return
		}
		if _, err := c.Vote(ctx, *vote); err != nil {
			c.logger.Debug("vote not counted",
				zap.String("round_id", string(vote.ProposalID)),
				zap.String("principal_id", string(target)),
				zap.Error(err))
		}
	})
}
