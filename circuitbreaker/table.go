package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/types"
)

// Table 按节点索引的熔断器表，熔断器按需创建
type Table struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[types.PrincipalID]*Breaker
}

// NewTable 创建熔断器表
func NewTable(config Config, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		config:   config,
		logger:   logger.With(zap.String("component", "circuitbreaker")),
		breakers: make(map[types.PrincipalID]*Breaker),
	}
}

// Get 返回节点的熔断器，不存在时创建
func (t *Table) Get(id types.PrincipalID) *Breaker {
	t.mu.RLock()
	b, ok := t.breakers[id]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[id]; ok {
		return b
	}
	b = New(id, t.config, t.logger)
	t.breakers[id] = b
	return b
}

// OpenIDs 返回处于 open 或 half_open 的节点
func (t *Table) OpenIDs() []types.PrincipalID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []types.PrincipalID
	for id, b := range t.breakers {
		if b.State() != StateClosed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot 返回全部熔断器快照
func (t *Table) Snapshot() map[types.PrincipalID]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.PrincipalID]Snapshot, len(t.breakers))
	for id, b := range t.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
