package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/hivecoord/internal/database"
	"github.com/BaSui01/hivecoord/retry"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("storage: record not found")

// Log 决策与审计日志
type Log interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	RecordAudit(ctx context.Context, ev AuditEvent) error
	// FindDecision 按提案 ID 查询，不存在返回 ErrNotFound
	FindDecision(ctx context.Context, proposalID string) (DecisionRecord, error)
	// Decisions 按决策时间倒序返回最近 limit 条
	Decisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	// AuditTrail 按时间顺序返回一个轮次的全部审计事件
	AuditTrail(ctx context.Context, roundID string) ([]AuditEvent, error)
	Close() error
}

// Config 存储配置；Driver 为空时使用内存日志
type Config struct {
	Driver string              `yaml:"driver" json:"driver"`
	DSN    string              `yaml:"dsn" json:"dsn"`
	Pool   database.PoolConfig `yaml:"pool" json:"pool"`
}

// Open 根据配置打开决策日志
func Open(cfg Config, logger *zap.Logger) (Log, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return NewMemoryLog(), nil
	}
	pool, err := database.Open(cfg.Driver, cfg.DSN, cfg.Pool, logger)
	if err != nil {
		return nil, err
	}
	l, err := NewGormLog(pool, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return l, nil
}

// =============================================================================
// 🗄️ GORM 实现
// =============================================================================

// GormLog 基于 GORM 的决策日志
type GormLog struct {
	pool   *database.PoolManager
	retry  retry.Policy
	logger *zap.Logger
}

// NewGormLog 创建日志并迁移表结构
func NewGormLog(pool *database.PoolManager, logger *zap.Logger) (*GormLog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := newGormLog(pool, logger)
	if err := pool.DB().AutoMigrate(&DecisionRecord{}, &AuditEvent{}); err != nil {
		return nil, fmt.Errorf("migrate decision log: %w", err)
	}
	return l, nil
}

func newGormLog(pool *database.PoolManager, logger *zap.Logger) *GormLog {
	return &GormLog{
		pool: pool,
		retry: retry.Policy{
			MaxRetries:   3,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			Jitter:       true,
		},
		logger: logger.With(zap.String("component", "decision_log")),
	}
}

// RecordDecision 写入决策；同一提案重复写入时覆盖终态字段
func (l *GormLog) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	if rec.ProposalID == "" {
		return fmt.Errorf("decision record requires proposal id")
	}
	err := l.pool.WithTransactionRetry(ctx, l.retry, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "proposal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "path", "value", "approved", "reason", "superseded_by", "voters", "decided_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		l.logger.Error("record decision failed", zap.String("proposal_id", rec.ProposalID), zap.Error(err))
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// RecordAudit 追加审计事件
func (l *GormLog) RecordAudit(ctx context.Context, ev AuditEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := l.pool.DB().WithContext(ctx).Create(&ev).Error; err != nil {
		l.logger.Error("record audit failed", zap.String("round_id", ev.RoundID), zap.String("kind", ev.Kind), zap.Error(err))
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// FindDecision 按提案 ID 查询
func (l *GormLog) FindDecision(ctx context.Context, proposalID string) (DecisionRecord, error) {
	var rec DecisionRecord
	err := l.pool.DB().WithContext(ctx).Where("proposal_id = ?", proposalID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DecisionRecord{}, ErrNotFound
	}
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("find decision: %w", err)
	}
	return rec, nil
}

// Decisions 最近的决策
func (l *GormLog) Decisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []DecisionRecord
	err := l.pool.DB().WithContext(ctx).Order("decided_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out, nil
}

// AuditTrail 一个轮次的审计轨迹
func (l *GormLog) AuditTrail(ctx context.Context, roundID string) ([]AuditEvent, error) {
	var out []AuditEvent
	err := l.pool.DB().WithContext(ctx).Where("round_id = ?", roundID).Order("at ASC").Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return out, nil
}

// Ping 检查数据库连接
func (l *GormLog) Ping(ctx context.Context) error { return l.pool.Ping(ctx) }

// Close 关闭连接池
func (l *GormLog) Close() error { return l.pool.Close() }

// =============================================================================
// 🧠 内存实现
// =============================================================================

// MemoryLog 进程内决策日志
type MemoryLog struct {
	mu        sync.RWMutex
	decisions map[string]DecisionRecord
	audit     []AuditEvent
	nextID    uint
}

// NewMemoryLog 创建内存日志
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{decisions: make(map[string]DecisionRecord)}
}

func (m *MemoryLog) RecordDecision(_ context.Context, rec DecisionRecord) error {
	if rec.ProposalID == "" {
		return fmt.Errorf("decision record requires proposal id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.decisions[rec.ProposalID]; ok {
		rec.ID, rec.CreatedAt = prev.ID, prev.CreatedAt
	} else {
		m.nextID++
		rec.ID, rec.CreatedAt = m.nextID, time.Now().UTC()
	}
	m.decisions[rec.ProposalID] = rec
	return nil
}

func (m *MemoryLog) RecordAudit(_ context.Context, ev AuditEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	m.audit = append(m.audit, ev)
	return nil
}

func (m *MemoryLog) FindDecision(_ context.Context, proposalID string) (DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.decisions[proposalID]
	if !ok {
		return DecisionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryLog) Decisions(_ context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	out := make([]DecisionRecord, 0, len(m.decisions))
	for _, rec := range m.decisions {
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DecidedAt.Equal(out[j].DecidedAt) {
			return out[i].DecidedAt.After(out[j].DecidedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLog) AuditTrail(_ context.Context, roundID string) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEvent
	for _, ev := range m.audit {
		if ev.RoundID == roundID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *MemoryLog) Close() error { return nil }
