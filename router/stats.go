package router

import (
	"sync"
	"time"

	"github.com/BaSui01/hivecoord/types"
)

// Stats 节点的投递统计快照
type Stats struct {
	InFlight    int           `json:"in_flight"`
	Samples     int           `json:"samples"`
	Successes   int           `json:"successes"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Reliability float64       `json:"reliability"`
}

// principalStats 单个节点的滚动窗口，独立加锁
type principalStats struct {
	mu        sync.Mutex
	outcomes  []bool
	latencies []time.Duration
	next      int
	filled    int
	inFlight  int
}

func (s *principalStats) record(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[s.next] = success
	s.latencies[s.next] = latency
	s.next = (s.next + 1) % len(s.outcomes)
	if s.filled < len(s.outcomes) {
		s.filled++
	}
}

func (s *principalStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{InFlight: s.inFlight, Samples: s.filled}
	var total time.Duration
	for i := 0; i < s.filled; i++ {
		if s.outcomes[i] {
			st.Successes++
		}
		total += s.latencies[i]
	}
	if s.filled > 0 {
		st.AvgLatency = total / time.Duration(s.filled)
	}
	// 拉普拉斯平滑：空窗口为 0.5
	st.Reliability = float64(st.Successes+1) / float64(s.filled+2)
	return st
}

// statsTable 节点统计表；表本身读多写少，每个节点的窗口由各自的锁保护
type statsTable struct {
	window int

	mu    sync.RWMutex
	slots map[types.PrincipalID]*principalStats
}

func newStatsTable(window int) *statsTable {
	return &statsTable{window: window, slots: make(map[types.PrincipalID]*principalStats)}
}

func (t *statsTable) get(id types.PrincipalID) *principalStats {
	t.mu.RLock()
	s, ok := t.slots[id]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[id]; ok {
		return s
	}
	s = &principalStats{
		outcomes:  make([]bool, t.window),
		latencies: make([]time.Duration, t.window),
	}
	t.slots[id] = s
	return s
}

func (t *statsTable) acquire(id types.PrincipalID) func() {
	s := t.get(id)
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.inFlight > 0 {
				s.inFlight--
			}
			s.mu.Unlock()
		})
	}
}
