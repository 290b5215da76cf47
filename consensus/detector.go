package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/storage"
	"github.com/BaSui01/hivecoord/types"
)

// ViolationKind 拜占庭违规类型
type ViolationKind string

const (
	ViolationInconsistentVote  ViolationKind = "inconsistent_vote"
	ViolationMalformedProposal ViolationKind = "malformed_proposal"
	ViolationExpiredProposal   ViolationKind = "expired_proposal"
	ViolationBadSignature      ViolationKind = "bad_signature"
	ViolationUnresponsive      ViolationKind = "unresponsive"
)

// Violation 一次违规证据
type Violation struct {
	PrincipalID types.PrincipalID
	Kind        ViolationKind
	RoundID     ProposalID
	Detail      string
}

// Roster 协调者对注册表的需求：健康视图加信任分与隔离操作
type Roster interface {
	registry.HealthView
	Penalize(id types.PrincipalID, amount float64, reason string) (int, error)
	Reward(id types.PrincipalID, amount float64) error
	Quarantine(id types.PrincipalID, reason string, duration time.Duration) error
	Subscribe(fn func(registry.HealthChange))
}

// Detector 记录违规、扣减信任分，累计达到阈值后隔离节点。
// Report 会触发注册表回调，调用方不得持有轮次锁。
type Detector struct {
	roster        Roster
	threshold     int
	penalty       float64
	quarantineFor time.Duration
	audit         storage.Log
	metrics       *metrics.Collector
	logger        *zap.Logger
}

// NewDetector 创建检测器；threshold <= 0 时为 3
func NewDetector(roster Roster, threshold int, penalty float64, quarantineFor time.Duration, audit storage.Log, m *metrics.Collector, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = 3
	}
	if penalty <= 0 {
		penalty = 0.1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		roster:        roster,
		threshold:     threshold,
		penalty:       penalty,
		quarantineFor: quarantineFor,
		audit:         audit,
		metrics:       m,
		logger:        logger.With(zap.String("component", "byzantine_detector")),
	}
}

// Report 处理一次违规，返回本次是否导致隔离
func (d *Detector) Report(ctx context.Context, v Violation) (bool, error) {
	count, err := d.roster.Penalize(v.PrincipalID, d.penalty, string(v.Kind))
	if err != nil {
		return false, err
	}
	d.metrics.RecordViolation(string(v.Kind))
	d.logger.Warn("byzantine violation",
		zap.String("round_id", string(v.RoundID)),
		zap.String("principal_id", string(v.PrincipalID)),
		zap.String("violation", string(v.Kind)),
		zap.Int("violations", count),
		zap.String("detail", v.Detail))
	d.record(ctx, v.RoundID, v.PrincipalID, storage.KindViolation, fmt.Sprintf("%s: %s", v.Kind, v.Detail))

	if count < d.threshold || d.roster.Health(v.PrincipalID) == types.HealthQuarantined {
		return false, nil
	}

	reason := fmt.Sprintf("%d violations, last %s", count, v.Kind)
	if err := d.roster.Quarantine(v.PrincipalID, reason, d.quarantineFor); err != nil {
		return false, err
	}
	d.metrics.RecordQuarantine()
	d.logger.Warn("principal quarantined",
		zap.String("round_id", string(v.RoundID)),
		zap.String("principal_id", string(v.PrincipalID)),
		zap.String("violation", string(v.Kind)))
	d.record(ctx, v.RoundID, v.PrincipalID, storage.KindQuarantine, reason)
	return true, nil
}

func (d *Detector) record(ctx context.Context, round ProposalID, id types.PrincipalID, kind, detail string) {
	if d.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := d.audit.RecordAudit(ctx, storage.AuditEvent{
		RoundID:     string(round),
		PrincipalID: string(id),
		Kind:        kind,
		Detail:      detail,
		At:          time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("audit write failed", zap.String("round_id", string(round)), zap.Error(err))
	}
}
