package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/identity"
	"github.com/BaSui01/hivecoord/messaging"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/types"
	"github.com/BaSui01/hivecoord/validation"
)

// =============================================================================
// 🗳️ Replica - 节点侧投票者
// =============================================================================

// ReplicaConfig 副本配置
type ReplicaConfig struct {
	// CacheSize 记住的提案与决策数量
	CacheSize int           `json:"cache_size"`
	RetainFor time.Duration `json:"retain_for"`

	Now func() time.Time `json:"-"`
}

// DefaultReplicaConfig 返回默认副本配置
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{CacheSize: 1024, RetainFor: time.Hour, Now: time.Now}
}

// ReplicaOption 副本可选依赖
type ReplicaOption func(*Replica)

// WithReplicaSigner 为投票签名
func WithReplicaSigner(s identity.Signer) ReplicaOption { return func(r *Replica) { r.signer = s } }

// WithReplicaVerifier 校验提案签名
func WithReplicaVerifier(v identity.Verifier) ReplicaOption {
	return func(r *Replica) { r.verifier = v }
}

// WithReplicaValidator 本地校验载荷，不通过则投反对票
func WithReplicaValidator(v types.Validator) ReplicaOption {
	return func(r *Replica) { r.validator = v }
}

// WithReplicaFingerprinter 替换默认摘要算法，需与协调者一致
func WithReplicaFingerprinter(f types.Fingerprinter) ReplicaOption {
	return func(r *Replica) { r.fingerprinter = f }
}

// replicaEntry 副本对单个提案的记忆
type replicaEntry struct {
	proposal *Proposal
	prepare  Vote
	commit   *Vote
}

// Replica 代表一个 principal 响应共识消息：收到提案回 prepare 票，
// 收到 prepare 证明回 commit 票。同一槽位同一视图只认一个摘要。
type Replica struct {
	id            types.PrincipalID
	config        ReplicaConfig
	health        registry.HealthView
	signer        identity.Signer
	verifier      identity.Verifier
	validator     types.Validator
	fingerprinter types.Fingerprinter
	logger        *zap.Logger

	mu      sync.Mutex
	entries *expirable.LRU[ProposalID, *replicaEntry]
	// locks slot/view → 已投赞成票的摘要
	locks     *expirable.LRU[string, string]
	decisions *expirable.LRU[string, Decision]
}

// NewReplica 创建副本
func NewReplica(id types.PrincipalID, config ReplicaConfig, health registry.HealthView, logger *zap.Logger, opts ...ReplicaOption) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultReplicaConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = d.CacheSize
	}
	if config.RetainFor <= 0 {
		config.RetainFor = d.RetainFor
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	r := &Replica{
		id:            id,
		config:        config,
		health:        health,
		fingerprinter: validation.SHA256Fingerprinter{},
		logger:        logger.With(zap.String("component", "consensus_replica"), zap.String("principal_id", string(id))),
		entries:       expirable.NewLRU[ProposalID, *replicaEntry](config.CacheSize, nil, config.RetainFor),
		locks:         expirable.NewLRU[string, string](config.CacheSize, nil, config.RetainFor),
		decisions:     expirable.NewLRU[string, Decision](config.CacheSize, nil, config.RetainFor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID 副本所代表的 principal
func (r *Replica) ID() types.PrincipalID { return r.id }

// Register 在分发器上挂载共识 Topic
func (r *Replica) Register(mux *messaging.TopicMux) {
	mux.Handle(TopicProposal, r.handleProposal)
	mux.Handle(TopicPrepared, r.handlePrepared)
	mux.Handle(TopicDecision, r.handleDecision)
}

// Decided 返回槽位上收到的最终决策
func (r *Replica) Decided(slot string) (Decision, bool) {
	return r.decisions.Get(slot)
}

func (r *Replica) handleProposal(ctx context.Context, msg *messaging.Message) (json.RawMessage, error) {
	p, err := decode[Proposal](msg.Payload)
	if err != nil {
		return nil, err
	}
	vote, err := r.OnProposal(ctx, p)
	if err != nil {
		return nil, err
	}
	return encode(vote)
}

func (r *Replica) handlePrepared(_ context.Context, msg *messaging.Message) (json.RawMessage, error) {
	cert, err := decode[Certificate](msg.Payload)
	if err != nil {
		return nil, err
	}
	vote, err := r.OnCertificate(*cert)
	if err != nil {
		return nil, err
	}
	return encode(vote)
}

func (r *Replica) handleDecision(_ context.Context, msg *messaging.Message) (json.RawMessage, error) {
	d, err := decode[Decision](msg.Payload)
	if err != nil {
		return nil, err
	}
	r.OnDecision(*d)
	return nil, nil
}

// OnProposal 检查提案并返回签名的 prepare 票；重复提案返回同一张票
func (r *Replica) OnProposal(ctx context.Context, p *Proposal) (Vote, error) {
	if p == nil {
		return Vote{}, types.NewValidationError("proposal is nil")
	}
	r.mu.Lock()
	if e, ok := r.entries.Get(p.ID); ok && e.proposal.Digest == p.Digest {
		r.mu.Unlock()
		return e.prepare, nil
	}
	r.mu.Unlock()

	reason := r.inspect(ctx, p)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%d", p.Slot, p.View)
	if reason == "" {
		if locked, ok := r.locks.Get(key); ok && locked != p.Digest {
			reason = "conflicting proposal for slot " + p.Slot
		} else if d, ok := r.decisions.Get(p.Slot); ok && d.Digest != p.Digest {
			reason = "slot already decided"
		}
	}

	value := p.Digest
	if reason != "" {
		value = Reject
		r.logger.Warn("rejecting proposal", zap.String("round_id", string(p.ID)), zap.String("reason", reason))
	} else {
		r.locks.Add(key, p.Digest)
	}
	vote, err := r.sign(Vote{ProposalID: p.ID, VoterID: r.id, Phase: PhasePrepare, Value: value, Reason: reason})
	if err != nil {
		return Vote{}, err
	}
	r.entries.Add(p.ID, &replicaEntry{proposal: p, prepare: vote})
	return vote, nil
}

// inspect 返回拒绝原因，空串表示接受
func (r *Replica) inspect(ctx context.Context, p *Proposal) string {
	if err := p.WellFormed(); err != nil {
		return err.Error()
	}
	if p.Expired(r.config.Now()) {
		return "proposal expired"
	}
	if r.health != nil && r.health.Health(p.ProposerID) == types.HealthQuarantined {
		return "proposer is quarantined"
	}
	if r.verifier != nil && len(p.Signature) > 0 {
		if err := r.verifier.Verify(proposalSigner(p), p.SigningBytes(), p.Signature); err != nil {
			return "bad proposal signature"
		}
	}
	digest, err := r.fingerprinter.Fingerprint(p.Payload)
	if err != nil || digest != p.Digest {
		return "digest mismatch"
	}
	if r.validator != nil {
		res, err := r.validator.Validate(ctx, p.Payload)
		if err != nil {
			return "validator failed: " + err.Error()
		}
		if res != nil && !res.Valid {
			return "payload rejected by validator"
		}
	}
	return ""
}

// OnCertificate 证明有效且与本地 prepare 票一致时投 commit 赞成票
func (r *Replica) OnCertificate(cert Certificate) (Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Get(cert.ProposalID)
	if !ok {
		return Vote{}, types.Errorf(types.ErrNotFound, "unknown proposal %s", cert.ProposalID)
	}
	if e.commit != nil {
		return *e.commit, nil
	}

	value, reason := e.proposal.Digest, ""
	switch {
	case !cert.Valid():
		value, reason = Reject, "invalid certificate"
	case cert.Digest != e.proposal.Digest || e.prepare.Value != e.proposal.Digest:
		value, reason = Reject, "certificate does not match prepared digest"
	}
	vote, err := r.sign(Vote{ProposalID: cert.ProposalID, VoterID: r.id, Phase: PhaseCommit, Value: value, Reason: reason})
	if err != nil {
		return Vote{}, err
	}
	e.commit = &vote
	return vote, nil
}

// OnDecision 记录协调者广播的最终决策
func (r *Replica) OnDecision(d Decision) {
	if d.Slot == "" || !d.Status.Final() {
		return
	}
	r.decisions.Add(d.Slot, d)
	r.logger.Debug("decision learned",
		zap.String("round_id", string(d.ProposalID)),
		zap.String("slot", d.Slot),
		zap.String("status", string(d.Status)))
}

func (r *Replica) sign(v Vote) (Vote, error) {
	if r.signer == nil {
		return v, nil
	}
	sig, err := r.signer.Sign(v.SigningBytes())
	if err != nil {
		return Vote{}, types.NewError(types.ErrInternal, "sign vote").WithCause(err)
	}
	v.Signature = sig
	return v, nil
}
