package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/identity"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
	"github.com/BaSui01/hivecoord/validation"
)

// Config 协调者配置
type Config struct {
	// TTL 提案默认存活时间，超时未达成法定票数则中止
	TTL time.Duration `json:"ttl"`
	// ViewTimeout 单个视图内未达成法定票数时触发恢复
	ViewTimeout time.Duration `json:"view_timeout"`
	// MaxViewChanges 进入紧急法定人数前允许的视图变更次数
	MaxViewChanges int `json:"max_view_changes"`
	// MinEmergencyNodes 启用紧急法定人数所需的最少健康节点
	MinEmergencyNodes int `json:"min_emergency_nodes"`
	// AuthorityTimeout 外部仲裁调用超时
	AuthorityTimeout time.Duration `json:"authority_timeout"`

	ViolationThreshold int     `json:"violation_threshold"`
	ViolationPenalty   float64 `json:"violation_penalty"`
	// QuarantineFor 隔离时长，0 使用注册表默认值，负数只能手动解除
	QuarantineFor time.Duration `json:"quarantine_for"`
	CommitReward  float64       `json:"commit_reward"`
	// UnresponsiveRounds 连续多少轮未投票记一次违规
	UnresponsiveRounds int `json:"unresponsive_rounds"`

	// RequireSignatures 拒绝未签名的投票与提案
	RequireSignatures bool `json:"require_signatures"`

	DecisionCacheSize int           `json:"decision_cache_size"`
	RetainFor         time.Duration `json:"retain_for"`

	Now func() time.Time `json:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		TTL:                30 * time.Second,
		ViewTimeout:        10 * time.Second,
		MaxViewChanges:     2,
		MinEmergencyNodes:  2,
		AuthorityTimeout:   5 * time.Second,
		ViolationThreshold: 3,
		ViolationPenalty:   0.1,
		CommitReward:       0.01,
		UnresponsiveRounds: 3,
		DecisionCacheSize:  1024,
		RetainFor:          time.Hour,
		Now:                time.Now,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.ViewTimeout <= 0 {
		c.ViewTimeout = d.ViewTimeout
	}
	if c.MaxViewChanges < 0 {
		c.MaxViewChanges = 0
	}
	if c.MinEmergencyNodes <= 0 {
		c.MinEmergencyNodes = d.MinEmergencyNodes
	}
	if c.AuthorityTimeout <= 0 {
		c.AuthorityTimeout = d.AuthorityTimeout
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = d.ViolationThreshold
	}
	if c.ViolationPenalty <= 0 {
		c.ViolationPenalty = d.ViolationPenalty
	}
	if c.CommitReward < 0 {
		c.CommitReward = 0
	}
	if c.UnresponsiveRounds <= 0 {
		c.UnresponsiveRounds = d.UnresponsiveRounds
	}
	if c.DecisionCacheSize <= 0 {
		c.DecisionCacheSize = d.DecisionCacheSize
	}
	if c.RetainFor <= 0 {
		c.RetainFor = d.RetainFor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Sender 协调者的消息端点
type Sender interface {
	ID() types.PrincipalID
	Send(ctx context.Context, msg *messaging.Message) (*messaging.Ack, error)
}

// Viability 路由侧的可达性判断（熔断器未打开）
type Viability interface {
	IsViable(id types.PrincipalID) bool
}

// Option 协调者可选依赖
type Option func(*Coordinator)

// WithSender 通过消息层分发提案、prepare 证明与决策
func WithSender(s Sender) Option { return func(c *Coordinator) { c.sender = s } }

// WithValidator 提案前校验载荷
func WithValidator(v types.Validator) Option { return func(c *Coordinator) { c.validator = v } }

// WithFingerprinter 替换默认的 SHA-256 摘要
func WithFingerprinter(f types.Fingerprinter) Option {
	return func(c *Coordinator) { c.fingerprinter = f }
}

// WithAuthority 设置外部仲裁
func WithAuthority(a types.Authority) Option { return func(c *Coordinator) { c.authority = a } }

// WithVerifier 校验投票与外部提案签名
func WithVerifier(v identity.Verifier) Option { return func(c *Coordinator) { c.verifier = v } }

// WithSigner 为本地创建的提案签名
func WithSigner(s identity.Signer) Option { return func(c *Coordinator) { c.signer = s } }

// WithViability 排除熔断中的节点
func WithViability(v Viability) Option { return func(c *Coordinator) { c.viability = v } }

// WithAuditLog 持久化决策与审计事件
func WithAuditLog(l storage.Log) Option { return func(c *Coordinator) { c.audit = l } }

// WithMetrics 记录共识指标
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// =============================================================================
// 🏛️ Coordinator
// =============================================================================

// Coordinator 单例共识协调者。每个轮次独立加锁，不同提案并行推进；
// 协调者自身的锁只保护轮次表与已决槽位。
type Coordinator struct {
	config        Config
	roster        Roster
	detector      *Detector
	sender        Sender
	validator     types.Validator
	fingerprinter types.Fingerprinter
	authority     types.Authority
	verifier      identity.Verifier
	signer        identity.Signer
	viability     Viability
	audit         storage.Log
	metrics       *metrics.Collector
	logger        *zap.Logger

	mu     sync.Mutex
	rounds map[ProposalID]*round
	// slots 已提交（或仲裁批准）的槽位
	slots map[string]ProposalID

	decided *expirable.LRU[ProposalID, Decision]

	missMu sync.Mutex
	misses map[types.PrincipalID]int

	committed atomic.Int64
	aborted   atomic.Int64
	escalated atomic.Int64

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator 创建协调者并订阅注册表健康变更
func NewCoordinator(config Config, roster Roster, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if roster == nil {
		return nil, types.NewValidationError("roster is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.normalize()

	c := &Coordinator{
		config:        config,
		roster:        roster,
		fingerprinter: validation.SHA256Fingerprinter{},
		logger:        logger.With(zap.String("component", "consensus_coordinator")),
		rounds:        make(map[ProposalID]*round),
		slots:         make(map[string]ProposalID),
		decided:       expirable.NewLRU[ProposalID, Decision](config.DecisionCacheSize, nil, config.RetainFor),
		misses:        make(map[types.PrincipalID]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.RequireSignatures && c.verifier == nil {
		return nil, types.NewValidationError("require_signatures needs a verifier")
	}
	c.detector = NewDetector(roster, config.ViolationThreshold, config.ViolationPenalty, config.QuarantineFor, c.audit, c.metrics, logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	roster.Subscribe(c.onHealthChange)
	return c, nil
}

// Detector 返回拜占庭检测器
func (c *Coordinator) Detector() *Detector { return c.detector }

// ProposeOption 提案选项
type ProposeOption func(*proposeOptions)

type proposeOptions struct {
	slot string
	ttl  time.Duration
}

// WithSlot 指定决策槽位，默认使用载荷 ID
func WithSlot(slot string) ProposeOption { return func(o *proposeOptions) { o.slot = slot } }

// WithTTL 覆盖默认 TTL
func WithTTL(ttl time.Duration) ProposeOption { return func(o *proposeOptions) { o.ttl = ttl } }

// Propose 代 proposer 发起提案并分发给全部合格节点，返回提案 ID。
// 结果通过 GetDecision 或 Await 获取。
func (c *Coordinator) Propose(ctx context.Context, payload types.Payload, proposer types.PrincipalID, opts ...ProposeOption) (ProposalID, error) {
	if err := c.running(); err != nil {
		return "", err
	}
	o := proposeOptions{slot: payload.ID, ttl: c.config.TTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return "", types.NewValidationError("proposal ttl must be positive")
	}
	if err := c.checkProposer(proposer); err != nil {
		return "", err
	}
	if err := c.checkPayload(ctx, payload); err != nil {
		c.report(ctx, Violation{PrincipalID: proposer, Kind: ViolationMalformedProposal, Detail: err.Error()})
		return "", err
	}
	if o.slot == "" {
		return "", types.NewValidationError("decision slot is required")
	}
	if owner, ok := c.slotOwner(o.slot); ok {
		return "", types.Errorf(types.ErrAborted, "slot already decided by %s", owner)
	}

	electorate := c.electorate()
	if len(electorate) == 0 {
		return "", types.NewError(types.ErrQuorumUnreachable, "no healthy principals")
	}
	digest, err := c.fingerprinter.Fingerprint(payload)
	if err != nil {
		return "", types.NewError(types.ErrInternal, "fingerprint payload").WithCause(err)
	}

	p := &Proposal{
		ID:             ProposalID(uuid.New().String()),
		Slot:           o.slot,
		ProposerID:     proposer,
		Payload:        payload,
		Digest:         digest,
		RequiredQuorum: RequiredQuorum(len(electorate)),
		CreatedAt:      c.config.Now(),
		TTL:            o.ttl,
	}
	if err := c.sign(p); err != nil {
		return "", err
	}
	c.start(ctx, p, electorate, 0)
	return p.ID, nil
}

// Submit 接受外部节点构造并签名的提案
func (c *Coordinator) Submit(ctx context.Context, p *Proposal) (ProposalID, error) {
	if err := c.running(); err != nil {
		return "", err
	}
	if p == nil {
		return "", types.NewValidationError("proposal is nil")
	}
	if err := p.WellFormed(); err != nil {
		c.report(ctx, Violation{PrincipalID: p.ProposerID, Kind: ViolationMalformedProposal, RoundID: p.ID, Detail: err.Error()})
		return "", types.NewValidationError("%v", err).WithPrincipal(p.ProposerID)
	}
	if err := c.checkProposer(p.ProposerID); err != nil {
		return "", err
	}
	if p.Expired(c.config.Now()) {
		c.report(ctx, Violation{PrincipalID: p.ProposerID, Kind: ViolationExpiredProposal, RoundID: p.ID, Detail: "ttl elapsed before submission"})
		return "", types.NewValidationError("proposal %s expired", p.ID).WithPrincipal(p.ProposerID)
	}
	if err := c.verifyProposal(p); err != nil {
		c.report(ctx, Violation{PrincipalID: p.ProposerID, Kind: ViolationBadSignature, RoundID: p.ID, Detail: err.Error()})
		return "", types.NewValidationError("proposal %s: %v", p.ID, err).WithPrincipal(p.ProposerID)
	}
	if digest, err := c.fingerprinter.Fingerprint(p.Payload); err != nil || digest != p.Digest {
		c.report(ctx, Violation{PrincipalID: p.ProposerID, Kind: ViolationMalformedProposal, RoundID: p.ID, Detail: "digest mismatch"})
		return "", types.NewValidationError("proposal %s digest mismatch", p.ID).WithPrincipal(p.ProposerID)
	}
	if err := c.checkPayload(ctx, p.Payload); err != nil {
		c.report(ctx, Violation{PrincipalID: p.ProposerID, Kind: ViolationMalformedProposal, RoundID: p.ID, Detail: err.Error()})
		return "", err
	}
	if c.known(p.ID) {
		return "", types.NewValidationError("duplicate proposal %s", p.ID)
	}
	if owner, ok := c.slotOwner(p.Slot); ok {
		return "", types.Errorf(types.ErrAborted, "slot already decided by %s", owner)
	}
	electorate := c.electorate()
	if len(electorate) < p.RequiredQuorum {
		return "", types.Errorf(types.ErrQuorumUnreachable, "%d healthy principals, proposal requires %d", len(electorate), p.RequiredQuorum)
	}

	cp := *p
	c.start(ctx, &cp, electorate, 0)
	return cp.ID, nil
}

// Vote 记录一张投票并推进轮次
func (c *Coordinator) Vote(ctx context.Context, v Vote) (*VoteResult, error) {
	if !v.Phase.Valid() {
		return nil, types.NewValidationError("unknown phase %q", v.Phase)
	}
	if v.ProposalID == "" || v.VoterID == "" {
		return nil, types.NewValidationError("vote requires proposal and voter")
	}
	r := c.lookup(v.ProposalID)
	if r == nil {
		if d, ok := c.decided.Get(v.ProposalID); ok {
			return &VoteResult{Outcome: VoteStale, Status: d.Status}, nil
		}
		return nil, types.Errorf(types.ErrNotFound, "unknown proposal %s", v.ProposalID)
	}
	if c.roster.Health(v.VoterID) == types.HealthQuarantined {
		return nil, types.Errorf(types.ErrValidation, "voter %s is quarantined", v.VoterID).WithPrincipal(v.VoterID).WithRound(string(v.ProposalID))
	}
	if err := c.verifyVote(&v); err != nil {
		c.report(ctx, Violation{PrincipalID: v.VoterID, Kind: ViolationBadSignature, RoundID: v.ProposalID, Detail: err.Error()})
		return nil, types.Errorf(types.ErrValidation, "vote from %s: %v", v.VoterID, err).WithPrincipal(v.VoterID).WithRound(string(v.ProposalID))
	}

	r.mu.Lock()
	if r.status != StatusPending {
		res := &VoteResult{Outcome: VoteStale, Phase: r.phase, Status: r.status}
		r.mu.Unlock()
		return res, nil
	}
	if _, ok := r.electorate[v.VoterID]; !ok {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrValidation, "%s is not an eligible voter", v.VoterID).WithPrincipal(v.VoterID).WithRound(string(v.ProposalID))
	}
	if v.Phase == PhaseCommit && r.phase == PhasePrepare {
		r.mu.Unlock()
		return nil, types.NewValidationError("commit vote before prepare certificate").WithPrincipal(v.VoterID).WithRound(string(v.ProposalID))
	}

	tally := r.tally(v.Phase)
	outcome, err := tally.Add(v)
	if errors.Is(err, ErrInconsistentVote) {
		r.mu.Unlock()
		c.metrics.RecordVote(string(v.Phase), "inconsistent")
		quarantined := c.report(ctx, Violation{
			PrincipalID: v.VoterID,
			Kind:        ViolationInconsistentVote,
			RoundID:     v.ProposalID,
			Detail:      fmt.Sprintf("%s vote changed to %q at revision %d", v.Phase, v.Value, v.Revision),
		})
		msg := "inconsistent vote"
		if quarantined {
			msg = "inconsistent vote, principal quarantined"
		}
		return nil, types.NewError(types.ErrByzantineDetected, msg).WithPrincipal(v.VoterID).WithRound(string(v.ProposalID))
	}

	effect := c.progress(r)
	res := &VoteResult{
		Outcome:  outcome,
		Phase:    r.phase,
		Count:    tally.Count(r.proposal.Digest),
		Required: tally.RequiredVotes(),
		Status:   r.status,
	}
	r.mu.Unlock()

	c.metrics.RecordVote(string(v.Phase), string(outcome))
	c.responded(v.VoterID)
	run(effect)
	return res, nil
}

// GetDecision 返回提案当前结果；进行中的轮次为 pending
func (c *Coordinator) GetDecision(id ProposalID) (Decision, error) {
	if r := c.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snapshot(), nil
	}
	if d, ok := c.decided.Get(id); ok {
		return d, nil
	}
	if c.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rec, err := c.audit.FindDecision(ctx, string(id)); err == nil {
			return fromRecord(rec), nil
		}
	}
	return Decision{}, types.Errorf(types.ErrNotFound, "unknown proposal %s", id)
}

// Await 阻塞到提案结束；视图变更时沿 SupersededBy 追踪到最终轮次
func (c *Coordinator) Await(ctx context.Context, id ProposalID) (Decision, error) {
	for {
		if r := c.lookup(id); r != nil {
			select {
			case <-r.done:
			case <-ctx.Done():
				return Decision{}, types.NewTimeoutError("await %s: %v", id, ctx.Err()).WithRound(string(id))
			}
		}
		d, err := c.GetDecision(id)
		if err != nil {
			return Decision{}, err
		}
		if d.Status == StatusAborted && d.SupersededBy != "" {
			id = d.SupersededBy
			continue
		}
		return d, nil
	}
}

// Stats 轮次计数快照
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	open := len(c.rounds)
	c.mu.Unlock()
	return Stats{
		Committed: c.committed.Load(),
		Aborted:   c.aborted.Load(),
		Escalated: c.escalated.Load(),
		Open:      open,
	}
}

// Close 中止全部进行中的轮次并等待后台任务退出
func (c *Coordinator) Close() error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	c.lifeMu.Unlock()

	for _, r := range c.openRounds() {
		r.mu.Lock()
		effect := c.conclude(r, r.outcome(StatusAborted, "coordinator closed"))
		r.mu.Unlock()
		run(effect)
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// =============================================================================
// 🔧 helpers
// =============================================================================

func (c *Coordinator) running() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return types.NewError(types.ErrClosed, "coordinator closed")
	}
	return nil
}

func (c *Coordinator) spawn(fn func()) bool {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Coordinator) lookup(id ProposalID) *round {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds[id]
}

func (c *Coordinator) known(id ProposalID) bool {
	if c.lookup(id) != nil {
		return true
	}
	_, ok := c.decided.Get(id)
	return ok
}

func (c *Coordinator) openRounds() []*round {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*round, 0, len(c.rounds))
	for _, r := range c.rounds {
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) slotOwner(slot string) (ProposalID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.slots[slot]
	return id, ok
}

// claimSlot 占用槽位；已被其他提案占用时返回 false
func (c *Coordinator) claimSlot(slot string, id ProposalID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.slots[slot]; ok && owner != id {
		return false
	}
	c.slots[slot] = id
	return true
}

// electorate 健康、未隔离且路由可达的节点，按 id 排序
func (c *Coordinator) electorate() []types.PrincipalID {
	ids := c.roster.HealthyIDs()
	if c.viability == nil {
		return ids
	}
	out := ids[:0:0]
	for _, id := range ids {
		if c.viability.IsViable(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) checkProposer(id types.PrincipalID) error {
	if _, ok := c.roster.Get(id); !ok {
		return types.Errorf(types.ErrValidation, "unknown proposer %s", id).WithPrincipal(id)
	}
	if c.roster.Health(id) == types.HealthQuarantined {
		return types.Errorf(types.ErrValidation, "proposer %s is quarantined", id).WithPrincipal(id)
	}
	return nil
}

func (c *Coordinator) checkPayload(ctx context.Context, p types.Payload) error {
	if p.ID == "" {
		return types.NewValidationError("payload id is required")
	}
	if c.validator == nil {
		return nil
	}
	res, err := c.validator.Validate(ctx, p)
	if err != nil {
		return types.NewError(types.ErrValidation, "validator failed").WithCause(err)
	}
	if res != nil && !res.Valid {
		msgs := make([]string, 0, len(res.Issues))
		for _, is := range res.Issues {
			msgs = append(msgs, is.Rule+": "+is.Message)
		}
		return types.NewValidationError("payload %s rejected: %s", p.ID, strings.Join(msgs, "; "))
	}
	return nil
}

func (c *Coordinator) sign(p *Proposal) error {
	if c.signer == nil {
		return nil
	}
	p.SignedBy = c.signer.ID()
	sig, err := c.signer.Sign(p.SigningBytes())
	if err != nil {
		return types.NewError(types.ErrInternal, "sign proposal").WithCause(err)
	}
	p.Signature = sig
	return nil
}

func (c *Coordinator) verifyProposal(p *Proposal) error {
	return verifySignature(c.verifier, c.config.RequireSignatures, proposalSigner(p), p.SigningBytes(), p.Signature)
}

func (c *Coordinator) verifyVote(v *Vote) error {
	return verifySignature(c.verifier, c.config.RequireSignatures, v.VoterID, v.SigningBytes(), v.Signature)
}

func proposalSigner(p *Proposal) types.PrincipalID {
	if p.SignedBy != "" {
		return p.SignedBy
	}
	return p.ProposerID
}

func verifySignature(v identity.Verifier, required bool, id types.PrincipalID, msg, sig []byte) error {
	if len(sig) == 0 {
		if required {
			return identity.ErrInvalidSignature
		}
		return nil
	}
	if v == nil {
		return nil
	}
	return v.Verify(id, msg, sig)
}

// report 转交检测器；调用方不得持有轮次锁
func (c *Coordinator) report(ctx context.Context, v Violation) bool {
	if v.PrincipalID == "" {
		return false
	}
	if _, ok := c.roster.Get(v.PrincipalID); !ok {
		return false
	}
	quarantined, err := c.detector.Report(ctx, v)
	if err != nil {
		c.logger.Error("report violation failed", zap.String("principal_id", string(v.PrincipalID)), zap.Error(err))
	}
	return quarantined
}

func (c *Coordinator) auditEvent(round ProposalID, id types.PrincipalID, kind, detail string) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.audit.RecordAudit(ctx, storage.AuditEvent{
		RoundID:     string(round),
		PrincipalID: string(id),
		Kind:        kind,
		Detail:      detail,
		At:          c.config.Now().UTC(),
	})
	if err != nil {
		c.logger.Error("audit write failed", zap.String("round_id", string(round)), zap.Error(err))
	}
}

func (c *Coordinator) persist(d Decision) {
	if c.audit == nil {
		return
	}
	voters := make([]string, len(d.Voters))
	for i, id := range d.Voters {
		voters[i] = string(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.audit.RecordDecision(ctx, storage.DecisionRecord{
		ProposalID:   string(d.ProposalID),
		Slot:         d.Slot,
		View:         d.View,
		Status:       string(d.Status),
		Path:         string(d.Path),
		Digest:       d.Digest,
		Value:        string(d.Value),
		Approved:     d.Approved,
		Reason:       d.Reason,
		SupersededBy: string(d.SupersededBy),
		Voters:       strings.Join(voters, ","),
		DecidedAt:    d.DecidedAt,
	})
	if err != nil {
		c.logger.Error("persist decision failed", zap.String("round_id", string(d.ProposalID)), zap.Error(err))
	}
}

func fromRecord(rec storage.DecisionRecord) Decision {
	d := Decision{
		ProposalID:   ProposalID(rec.ProposalID),
		Slot:         rec.Slot,
		Status:       Status(rec.Status),
		Path:         Path(rec.Path),
		Digest:       rec.Digest,
		Reason:       rec.Reason,
		SupersededBy: ProposalID(rec.SupersededBy),
		Approved:     rec.Approved,
		View:         rec.View,
		DecidedAt:    rec.DecidedAt,
	}
	if rec.Value != "" {
		d.Value = json.RawMessage(rec.Value)
	}
	for _, id := range rec.VoterIDs() {
		d.Voters = append(d.Voters, types.PrincipalID(id))
	}
	sort.Slice(d.Voters, func(i, j int) bool { return d.Voters[i] < d.Voters[j] })
	return d
}

func run(effect func()) {
	if effect != nil {
		effect()
	}
}
