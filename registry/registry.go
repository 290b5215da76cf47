package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/types"
)

var (
	ErrUnknownPrincipal   = errors.New("registry: unknown principal")
	ErrDuplicatePrincipal = errors.New("registry: principal already registered")
)

// HealthView is the narrow read-only view of principal health that the
// router, messaging layer and consensus coordinator share.
type HealthView interface {
	Get(id types.PrincipalID) (types.Principal, bool)
	Principals() []types.Principal
	// HealthyIDs returns live, non-quarantined principals sorted by id.
	HealthyIDs() []types.PrincipalID
	HealthyCount() int
	IsEligible(id types.PrincipalID) bool
	Health(id types.PrincipalID) types.HealthState
	TrustScore(id types.PrincipalID) float64
}

// HealthChange 健康状态变更事件
type HealthChange struct {
	ID     types.PrincipalID
	From   types.HealthState
	To     types.HealthState
	Reason string
	At     time.Time
}

// Config 注册表配置
type Config struct {
	// InitialTrust 未声明信任分的节点初始值
	InitialTrust float64
	// QuarantineFor 默认隔离时长，0 表示只能手动解除
	QuarantineFor time.Duration
	// Now 可注入时钟
	Now func() time.Time
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InitialTrust:  1.0,
		QuarantineFor: 10 * time.Minute,
		Now:           time.Now,
	}
}

// slot 单个节点的可变状态，独立加锁
type slot struct {
	mu               sync.Mutex
	p                types.Principal
	violations       int
	quarantinedUntil time.Time
	quarantineReason string
}

// Registry 节点名册
// 名册 map 只在加入新节点时写入；每个节点的信任分与健康状态由各自的 slot 锁保护。
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	slots map[types.PrincipalID]*slot

	subMu       sync.RWMutex
	subscribers []func(HealthChange)
}

var _ HealthView = (*Registry)(nil)

// New 创建注册表
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialTrust <= 0 || cfg.InitialTrust > 1 {
		cfg.InitialTrust = 1.0
	}
	if cfg.QuarantineFor < 0 {
		cfg.QuarantineFor = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "registry")),
		slots:  make(map[types.PrincipalID]*slot),
	}
}

// Bootstrap 批量注册初始名册
func (r *Registry) Bootstrap(principals []types.Principal) error {
	for _, p := range principals {
		if err := r.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Add 注册节点；节点从不删除，只会被隔离。
// LastHeartbeat 保持调用方给的值，零值表示还没收到过心跳
func (r *Registry) Add(p types.Principal) error {
	if p.ID == "" || p.ID == types.Broadcast {
		return types.NewValidationError("invalid principal id %q", p.ID)
	}
	if p.TrustScore <= 0 || p.TrustScore > 1 {
		p.TrustScore = r.cfg.InitialTrust
	}
	if p.Health == "" {
		p.Health = types.HealthActive
	}
	if p.Capacity <= 0 {
		p.Capacity = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePrincipal, p.ID)
	}
	r.slots[p.ID] = &slot{p: p}
	r.logger.Info("principal registered",
		zap.String("principal_id", string(p.ID)),
		zap.String("domain", p.Domain),
		zap.Int("capacity", p.Capacity))
	return nil
}

func (r *Registry) slot(id types.PrincipalID) (*slot, error) {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrincipal, id)
	}
	return s, nil
}

func (r *Registry) allSlots() []*slot {
	r.mu.RLock()
	out := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// =============================================================================
// 👀 HealthView
// =============================================================================

// Get 返回节点快照
func (r *Registry) Get(id types.PrincipalID) (types.Principal, bool) {
	s, err := r.slot(id)
	if err != nil {
		return types.Principal{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePrincipal(s.p), true
}

// Principals 返回按 id 排序的全部节点快照
func (r *Registry) Principals() []types.Principal {
	slots := r.allSlots()
	out := make([]types.Principal, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, clonePrincipal(s.p))
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyIDs 返回可参与协调的节点 id
func (r *Registry) HealthyIDs() []types.PrincipalID {
	slots := r.allSlots()
	ids := make([]types.PrincipalID, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.p.Health.IsLive() {
			ids = append(ids, s.p.ID)
		}
		s.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HealthyCount 返回健康节点数（仲裁分母）
func (r *Registry) HealthyCount() int {
	return len(r.HealthyIDs())
}

// IsEligible 节点是否在线且未被隔离
func (r *Registry) IsEligible(id types.PrincipalID) bool {
	return r.Health(id).IsLive()
}

// Health 返回节点健康状态，未知节点视为 offline
func (r *Registry) Health(id types.PrincipalID) types.HealthState {
	s, err := r.slot(id)
	if err != nil {
		return types.HealthOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Health
}

// TrustScore 返回节点信任分，未知节点为 0
func (r *Registry) TrustScore(id types.PrincipalID) float64 {
	s, err := r.slot(id)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.TrustScore
}

// Violations 返回节点累计违规次数
func (r *Registry) Violations(id types.PrincipalID) int {
	s, err := r.slot(id)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// QuarantinedIDs 返回被隔离节点 id
func (r *Registry) QuarantinedIDs() []types.PrincipalID {
	var ids []types.PrincipalID
	for _, p := range r.Principals() {
		if p.Health == types.HealthQuarantined {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// =============================================================================
// ✍️ Mutators
// =============================================================================

// RecordHeartbeat 记录心跳；degraded/offline 节点收到心跳后恢复 active。
// 隔离中的节点只更新心跳时间，不改变状态。
func (r *Registry) RecordHeartbeat(id types.PrincipalID, at time.Time) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if at.After(s.p.LastHeartbeat) {
		s.p.LastHeartbeat = at
	}
	change, changed := s.transition(types.HealthActive, "heartbeat", at)
	s.mu.Unlock()

	if changed {
		r.publish(change)
	}
	return nil
}

// LastHeartbeat 返回最近一次心跳时间
func (r *Registry) LastHeartbeat(id types.PrincipalID) (time.Time, bool) {
	s, err := r.slot(id)
	if err != nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.LastHeartbeat, true
}

// SetHealth 设置 active/degraded/offline；隔离只能通过 Quarantine 进入、Rehabilitate 退出。
func (r *Registry) SetHealth(id types.PrincipalID, to types.HealthState, reason string) error {
	if to == types.HealthQuarantined {
		return types.NewValidationError("use Quarantine to quarantine %s", id)
	}
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	change, changed := s.transition(to, reason, r.cfg.Now())
	s.mu.Unlock()

	if changed {
		r.logger.Info("principal health changed",
			zap.String("principal_id", string(id)),
			zap.String("from", change.From.String()),
			zap.String("to", change.To.String()),
			zap.String("reason", reason))
		r.publish(change)
	}
	return nil
}

// transition 调用方须持有 s.mu
func (s *slot) transition(to types.HealthState, reason string, at time.Time) (HealthChange, bool) {
	from := s.p.Health
	if from == to || from == types.HealthQuarantined {
		return HealthChange{}, false
	}
	s.p.Health = to
	return HealthChange{ID: s.p.ID, From: from, To: to, Reason: reason, At: at}, true
}

// Penalize 因拜占庭证据降低信任分并累计违规次数，返回累计次数。
func (r *Registry) Penalize(id types.PrincipalID, amount float64, reason string) (int, error) {
	s, err := r.slot(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.p.TrustScore = clamp(s.p.TrustScore - amount)
	s.violations++
	n, trust := s.violations, s.p.TrustScore
	s.mu.Unlock()

	r.logger.Warn("principal penalized",
		zap.String("principal_id", string(id)),
		zap.String("violation", reason),
		zap.Int("violations", n),
		zap.Float64("trust_score", trust))
	return n, nil
}

// Reward 对持续正确行为缓慢恢复信任分，上限 1.0；隔离中的节点不恢复。
func (r *Registry) Reward(id types.PrincipalID, amount float64) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.p.Health != types.HealthQuarantined {
		s.p.TrustScore = clamp(s.p.TrustScore + amount)
	}
	s.mu.Unlock()
	return nil
}

// Quarantine 隔离节点，将其排除出健康计数与仲裁分母。
// duration 为 0 时使用配置默认值；负数表示只能手动解除。
func (r *Registry) Quarantine(id types.PrincipalID, reason string, duration time.Duration) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	if duration == 0 {
		duration = r.cfg.QuarantineFor
	}
	now := r.cfg.Now()

	s.mu.Lock()
	from := s.p.Health
	if from == types.HealthQuarantined {
		s.mu.Unlock()
		return nil
	}
	s.p.Health = types.HealthQuarantined
	s.quarantineReason = reason
	s.quarantinedUntil = time.Time{}
	if duration > 0 {
		s.quarantinedUntil = now.Add(duration)
	}
	until := s.quarantinedUntil
	s.mu.Unlock()

	r.logger.Warn("principal quarantined",
		zap.String("principal_id", string(id)),
		zap.String("reason", reason),
		zap.Time("until", until))
	r.publish(HealthChange{ID: id, From: from, To: types.HealthQuarantined, Reason: reason, At: now})
	return nil
}

// Rehabilitate 手动解除隔离，清零违规计数
func (r *Registry) Rehabilitate(id types.PrincipalID) error {
	s, err := r.slot(id)
	if err != nil {
		return err
	}
	now := r.cfg.Now()

	s.mu.Lock()
	if s.p.Health != types.HealthQuarantined {
		s.mu.Unlock()
		return nil
	}
	s.p.Health = types.HealthActive
	s.violations = 0
	s.quarantinedUntil = time.Time{}
	s.quarantineReason = ""
	s.mu.Unlock()

	r.logger.Warn("principal rehabilitated", zap.String("principal_id", string(id)))
	r.publish(HealthChange{ID: id, From: types.HealthQuarantined, To: types.HealthActive, Reason: "rehabilitated", At: now})
	return nil
}

// ReleaseExpired 按时间解除到期隔离，返回被解除的节点
func (r *Registry) ReleaseExpired(now time.Time) []types.PrincipalID {
	var expired []types.PrincipalID
	for _, s := range r.allSlots() {
		s.mu.Lock()
		if s.p.Health == types.HealthQuarantined && !s.quarantinedUntil.IsZero() && !now.Before(s.quarantinedUntil) {
			expired = append(expired, s.p.ID)
		}
		s.mu.Unlock()
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		_ = r.Rehabilitate(id)
	}
	return expired
}

// Subscribe 订阅健康状态变更；回调在变更方 goroutine 同步执行，不得阻塞。
func (r *Registry) Subscribe(fn func(HealthChange)) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

func (r *Registry) publish(c HealthChange) {
	r.subMu.RLock()
	subs := slices.Clone(r.subscribers)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clonePrincipal(p types.Principal) types.Principal {
	p.Capabilities = append([]string(nil), p.Capabilities...)
	p.Keywords = append([]string(nil), p.Keywords...)
	return p
}
