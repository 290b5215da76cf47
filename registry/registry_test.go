package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/hivecoord/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, ids ...types.PrincipalID) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	r := New(cfg, zap.NewNop())
	for _, id := range ids {
		require.NoError(t, r.Add(types.Principal{ID: id, Domain: "general", Capacity: 4}))
	}
	return r, clock
}

// ---- roster ----

func TestRegistry_AddDefaults(t *testing.T) {
	r, _ := newTestRegistry(t, "p1")

	p, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, types.HealthActive, p.Health)
	assert.Equal(t, 1.0, p.TrustScore)
	assert.True(t, p.LastHeartbeat.IsZero(), "no heartbeat until one arrives")

	assert.ErrorIs(t, r.Add(types.Principal{ID: "p1"}), ErrDuplicatePrincipal)
	assert.Error(t, r.Add(types.Principal{ID: types.Broadcast}))
	assert.Error(t, r.Add(types.Principal{}))
}

func TestRegistry_HealthyIDsSortedAndFiltered(t *testing.T) {
	r, _ := newTestRegistry(t, "p3", "p1", "p2", "p4")

	require.NoError(t, r.SetHealth("p2", types.HealthDegraded, "slow"))
	require.NoError(t, r.SetHealth("p4", types.HealthOffline, "gone"))
	require.NoError(t, r.Quarantine("p3", "equivocation", 0))

	assert.Equal(t, []types.PrincipalID{"p1", "p2"}, r.HealthyIDs())
	assert.Equal(t, 2, r.HealthyCount())
	assert.True(t, r.IsEligible("p2"))
	assert.False(t, r.IsEligible("p4"))
	assert.False(t, r.IsEligible("unknown"))
	assert.Equal(t, []types.PrincipalID{"p3"}, r.QuarantinedIDs())
}

// ---- trust ----

func TestRegistry_PenalizeAndReward(t *testing.T) {
	r, _ := newTestRegistry(t, "p1")

	n, err := r.Penalize("p1", 0.3, "inconsistent_vote")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.7, r.TrustScore("p1"), 1e-9)

	require.NoError(t, r.Reward("p1", 0.05))
	assert.InDelta(t, 0.75, r.TrustScore("p1"), 1e-9)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Reward("p1", 0.1))
	}
	assert.Equal(t, 1.0, r.TrustScore("p1"))

	_, err = r.Penalize("ghost", 0.1, "x")
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
}

func TestRegistry_TrustStaysInUnitInterval(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := New(DefaultConfig(), zap.NewNop())
		if err := r.Add(types.Principal{ID: "p"}); err != nil {
			rt.Fatal(err)
		}
		ops := rapid.SliceOf(rapid.Float64Range(-1, 1)).Draw(rt, "ops")
		for _, d := range ops {
			if d < 0 {
				_, _ = r.Penalize("p", -d, "prop")
			} else {
				_ = r.Reward("p", d)
			}
			ts := r.TrustScore("p")
			if ts < 0 || ts > 1 {
				rt.Fatalf("trust score %v escaped [0,1]", ts)
			}
		}
	})
}

// ---- quarantine ----

func TestRegistry_QuarantineIgnoresHeartbeats(t *testing.T) {
	r, clock := newTestRegistry(t, "p1")

	require.NoError(t, r.Quarantine("p1", "byzantine", 0))
	clock.Advance(time.Second)
	require.NoError(t, r.RecordHeartbeat("p1", clock.Now()))
	assert.Equal(t, types.HealthQuarantined, r.Health("p1"))

	require.NoError(t, r.SetHealth("p1", types.HealthActive, "manual"))
	assert.Equal(t, types.HealthQuarantined, r.Health("p1"))
	assert.Error(t, r.SetHealth("p1", types.HealthQuarantined, "nope"))
}

func TestRegistry_RehabilitateResetsViolations(t *testing.T) {
	r, _ := newTestRegistry(t, "p1")

	for i := 0; i < 3; i++ {
		_, err := r.Penalize("p1", 0.1, "x")
		require.NoError(t, err)
	}
	require.NoError(t, r.Quarantine("p1", "threshold", -1))
	assert.Equal(t, 3, r.Violations("p1"))

	require.NoError(t, r.Rehabilitate("p1"))
	assert.Equal(t, types.HealthActive, r.Health("p1"))
	assert.Equal(t, 0, r.Violations("p1"))
}

func TestRegistry_ReleaseExpired(t *testing.T) {
	r, clock := newTestRegistry(t, "p1", "p2")

	require.NoError(t, r.Quarantine("p1", "timed", time.Minute))
	require.NoError(t, r.Quarantine("p2", "manual only", -1))

	assert.Empty(t, r.ReleaseExpired(clock.Now()))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []types.PrincipalID{"p1"}, r.ReleaseExpired(clock.Now()))
	assert.Equal(t, types.HealthActive, r.Health("p1"))
	assert.Equal(t, types.HealthQuarantined, r.Health("p2"))
}

// ---- heartbeats and subscriptions ----

func TestRegistry_HeartbeatRestoresActiveAndNotifies(t *testing.T) {
	r, clock := newTestRegistry(t, "p1")

	var mu sync.Mutex
	var changes []HealthChange
	r.Subscribe(func(c HealthChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	require.NoError(t, r.SetHealth("p1", types.HealthOffline, "missed heartbeats"))
	clock.Advance(time.Second)
	require.NoError(t, r.RecordHeartbeat("p1", clock.Now()))

	last, ok := r.LastHeartbeat("p1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, types.HealthOffline, changes[0].To)
	assert.Equal(t, types.HealthActive, changes[1].To)
}

func TestRegistry_SubscribeFromCallback(t *testing.T) {
	r, _ := newTestRegistry(t, "p1")

	var outer, inner int
	r.Subscribe(func(HealthChange) {
		outer++
		if outer == 1 {
			// 回调内订阅不会死锁，新订阅者只看到之后的变更
			r.Subscribe(func(HealthChange) { inner++ })
		}
	})

	require.NoError(t, r.SetHealth("p1", types.HealthDegraded, "slow"))
	assert.Equal(t, 1, outer)
	assert.Equal(t, 0, inner)

	require.NoError(t, r.SetHealth("p1", types.HealthOffline, "silent"))
	assert.Equal(t, 2, outer)
	assert.Equal(t, 1, inner)
}

func TestRegistry_ConcurrentMutations(t *testing.T) {
	ids := make([]types.PrincipalID, 8)
	for i := range ids {
		ids[i] = types.PrincipalID(fmt.Sprintf("p%d", i))
	}
	r, clock := newTestRegistry(t, ids...)

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(id types.PrincipalID) {
				defer wg.Done()
				_, _ = r.Penalize(id, 0.01, "race")
				_ = r.Reward(id, 0.01)
				_ = r.RecordHeartbeat(id, clock.Now())
				_ = r.HealthyIDs()
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 4, r.Violations(id))
	}
}
