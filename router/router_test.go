package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/hivecoord/circuitbreaker"
	"github.com/BaSui01/hivecoord/internal/metrics"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/testutil"
	"github.com/BaSui01/hivecoord/testutil/fixtures"
	"github.com/BaSui01/hivecoord/types"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	require.NoError(t, reg.Bootstrap(fixtures.Principals(n)))
	return reg
}

func newTestRouter(reg registry.HealthView, tweak func(*Config), opts ...Option) *Router {
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	return New(cfg, reg, zap.NewNop(), opts...)
}

func gaugeValue(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// scoring
// ---------------------------------------------------------------------------

func TestRouter_ScoreComponents(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 6), nil)

	ranked := r.Rank(fixtures.Payload("task-1", "backend"))
	require.Len(t, ranked, 6)

	top := ranked[0]
	assert.Equal(t, types.PrincipalID("p1"), top.PrincipalID)
	assert.InDelta(t, 1.0, top.Domain, 1e-9)
	assert.InDelta(t, 1.0, top.Load, 1e-9)
	assert.InDelta(t, 0.5, top.Reliability, 1e-9, "empty window uses the Laplace prior")
	assert.InDelta(t, 0.5, top.Latency, 1e-9, "no latency samples scores neutral")
	assert.InDelta(t, 0.0, top.Context, 1e-9)
	assert.InDelta(t, 0.75, top.Total, 1e-9)

	// 其余节点同分，按 id 排序
	for i, want := range []types.PrincipalID{"p2", "p3", "p4", "p5", "p6"} {
		assert.Equal(t, want, ranked[i+1].PrincipalID)
		assert.InDelta(t, 0.35, ranked[i+1].Total, 1e-9)
	}
}

func TestRouter_SetWeights(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 3), nil)

	testutil.AssertErrorCode(t, r.SetWeights(Weights{}), types.ErrValidation)
	testutil.AssertErrorCode(t, r.SetWeights(Weights{Domain: 2, Load: -1}), types.ErrValidation)
	assert.Equal(t, DefaultWeights(), r.Weights())

	require.NoError(t, r.SetWeights(Weights{Domain: 1}))
	ranked := r.Rank(fixtures.Payload("task-1", "backend"))
	require.Len(t, ranked, 3)
	assert.InDelta(t, 1.0, ranked[0].Total, 1e-9)
	assert.InDelta(t, 0.0, ranked[1].Total, 1e-9)
}

func TestRouter_KeywordAndContextOverlap(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 4), nil)

	payload := types.Payload{
		ID:          "review-1",
		Keywords:    []string{"Review", "security", "review"},
		ContextTags: []string{"security"},
	}
	ranked := r.Rank(payload)
	require.NotEmpty(t, ranked)
	assert.Equal(t, types.PrincipalID("p3"), ranked[0].PrincipalID)
	assert.InDelta(t, 0.5, ranked[0].Domain, 1e-9)
	assert.InDelta(t, 1.0, ranked[0].Context, 1e-9)
	assert.InDelta(t, 0.25, ranked[1].Domain, 1e-9, "only the shared review capability matches")
}

func TestRouter_LoadBreaksTies(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 3), nil)
	payload := fixtures.Payload("task-1", "unknown")

	release := r.Acquire("p1")
	ranked := r.Rank(payload)
	require.Len(t, ranked, 3)
	assert.Equal(t, types.PrincipalID("p1"), ranked[2].PrincipalID)
	assert.InDelta(t, 0.75, ranked[2].Load, 1e-9)
	assert.Equal(t, 1, r.Stats("p1").InFlight)

	release()
	release()
	assert.Equal(t, 0, r.Stats("p1").InFlight)
	assert.Equal(t, types.PrincipalID("p1"), r.Rank(payload)[0].PrincipalID)
}

func TestRouter_ReliabilityAndLatency(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 2), func(cfg *Config) {
		cfg.Window = 4
		cfg.LatencyCeiling = time.Second
	})

	for i := 0; i < 6; i++ {
		require.NoError(t, r.ReportOutcome("p2", true, 500*time.Millisecond))
	}
	st := r.Stats("p2")
	assert.Equal(t, 4, st.Samples, "window keeps the last outcomes only")
	assert.Equal(t, 500*time.Millisecond, st.AvgLatency)
	assert.InDelta(t, 5.0/6.0, st.Reliability, 1e-9)

	ranked := r.Rank(fixtures.Payload("x", "unknown"))
	byID := map[types.PrincipalID]Score{}
	for _, s := range ranked {
		byID[s.PrincipalID] = s
	}
	assert.InDelta(t, 0.5, byID["p2"].Latency, 1e-9)
	assert.Greater(t, byID["p2"].Reliability, byID["p1"].Reliability)

	err := r.ReportOutcome("ghost", true, time.Millisecond)
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

// ---------------------------------------------------------------------------
// strategy selection
// ---------------------------------------------------------------------------

func TestRouter_StrategySelection(t *testing.T) {
	tests := []struct {
		name        string
		payload     types.Payload
		criticality types.Criticality
		strategy    Strategy
		targets     []types.PrincipalID
	}{
		{"low broadcasts", fixtures.Payload("a", "backend"), types.CriticalityLow, StrategyBroadcast,
			[]types.PrincipalID{"p1", "p2", "p3", "p4", "p5", "p6"}},
		{"medium picks the best", fixtures.Payload("b", "backend"), types.CriticalityMedium, StrategyTargeted,
			[]types.PrincipalID{"p1"}},
		{"empty criticality is medium", fixtures.Payload("c", "security"), "", StrategyTargeted,
			[]types.PrincipalID{"p3"}},
		{"high picks top k", fixtures.Payload("d", "backend"), types.CriticalityHigh, StrategyTargeted,
			[]types.PrincipalID{"p1", "p2"}},
		{"critical is redundant", fixtures.Payload("e", "data"), types.CriticalityCritical, StrategyRedundant,
			[]types.PrincipalID{"p4", "p1", "p2"}},
		{"exclusive cascades", fixtures.ExclusivePayload("f", "backend"), types.CriticalityCritical, StrategyCascade,
			[]types.PrincipalID{"p1", "p2", "p3", "p4", "p5", "p6"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(newTestRegistry(t, 6), nil)
			dec, err := r.Route(context.Background(), tt.payload, tt.criticality)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, dec.Strategy)
			assert.Equal(t, tt.targets, dec.Targets)
			assert.Len(t, dec.Scores, len(tt.targets))
			assert.Equal(t, tt.payload.ID, dec.PayloadID)
		})
	}
}

func TestRouter_CascadeCappedByMaxHops(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 6), func(cfg *Config) { cfg.MaxHops = 2 })
	dec, err := r.Route(context.Background(), fixtures.ExclusivePayload("x", "backend"), types.CriticalityLow)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p1", "p2"}, dec.Targets)
}

func TestRouter_Validation(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 2), nil)

	_, err := r.Route(context.Background(), types.Payload{}, types.CriticalityLow)
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = r.Route(context.Background(), fixtures.Payload("a", "backend"), "urgent")
	testutil.AssertErrorCode(t, err, types.ErrValidation)
}

func TestRouter_ExcludesUnhealthyPrincipals(t *testing.T) {
	reg := newTestRegistry(t, 4)
	require.NoError(t, reg.Quarantine("p1", "test", -1))
	require.NoError(t, reg.SetHealth("p2", types.HealthOffline, "test"))
	require.NoError(t, reg.SetHealth("p3", types.HealthDegraded, "test"))
	r := newTestRouter(reg, nil)

	dec, err := r.Route(context.Background(), fixtures.Payload("a", "backend"), types.CriticalityLow)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p3", "p4"}, dec.Targets)

	require.NoError(t, reg.SetHealth("p3", types.HealthOffline, "test"))
	require.NoError(t, reg.SetHealth("p4", types.HealthOffline, "test"))
	_, err = r.Route(context.Background(), fixtures.Payload("b", "backend"), types.CriticalityLow)
	testutil.AssertErrorCode(t, err, types.ErrNoEligibleTargets)
}

// ---------------------------------------------------------------------------
// circuit breakers
// ---------------------------------------------------------------------------

func TestRouter_CircuitLifecycle(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ns := fmt.Sprintf("router_circuit_%d", time.Now().UnixNano())
	collector := metrics.NewCollector(ns, zap.NewNop())

	var transitions []circuitbreaker.State
	r := newTestRouter(newTestRegistry(t, 3), func(cfg *Config) {
		cfg.Now = clock.Now
		cfg.Breaker = circuitbreaker.Config{
			Threshold:  2,
			RetryAfter: time.Second,
			OnStateChange: func(_ types.PrincipalID, _, to circuitbreaker.State) {
				transitions = append(transitions, to)
			},
		}
	}, WithMetrics(collector))
	payload := fixtures.Payload("a", "backend")

	require.NoError(t, r.ReportOutcome("p1", false, 10*time.Millisecond))
	assert.True(t, r.IsViable("p1"), "below threshold")
	require.NoError(t, r.ReportOutcome("p1", false, 10*time.Millisecond))

	assert.False(t, r.IsViable("p1"))
	assert.Equal(t, []types.PrincipalID{"p1"}, r.OpenCircuits())
	assert.Empty(t, r.HalfOpenCandidates(), "still cooling down")
	assert.Equal(t, float64(circuitbreaker.StateOpen), gaugeValue(t, ns+"_router_circuit_state", "p1"))
	for _, s := range r.Rank(payload) {
		assert.NotEqual(t, types.PrincipalID("p1"), s.PrincipalID)
	}

	clock.Advance(2 * time.Second)
	assert.True(t, r.IsViable("p1"), "cool-down elapsed")
	assert.Equal(t, []types.PrincipalID{"p1"}, r.HalfOpenCandidates())
	assert.Equal(t, types.PrincipalID("p1"), r.Rank(payload)[0].PrincipalID)

	require.NoError(t, r.Allow("p1"))
	assert.Equal(t, circuitbreaker.StateHalfOpen, r.Circuits()["p1"].State)
	assert.False(t, r.IsViable("p1"), "single probe in flight")
	assert.Empty(t, r.HalfOpenCandidates(), "probe slot taken")
	testutil.AssertErrorCode(t, r.Allow("p1"), types.ErrCircuitOpen)

	require.NoError(t, r.ReportOutcome("p1", true, 10*time.Millisecond))
	assert.Empty(t, r.OpenCircuits())
	assert.Equal(t, 0, r.Circuits()["p1"].ConsecutiveFailures)
	assert.Equal(t, []circuitbreaker.State{circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed}, transitions)
	assert.Equal(t, float64(circuitbreaker.StateClosed), gaugeValue(t, ns+"_router_circuit_state", "p1"))
}

func TestRouter_AllCircuitsOpen(t *testing.T) {
	r := newTestRouter(newTestRegistry(t, 2), func(cfg *Config) {
		cfg.Breaker = circuitbreaker.Config{Threshold: 1, RetryAfter: time.Hour}
	})
	require.NoError(t, r.ReportOutcome("p1", false, 0))
	require.NoError(t, r.ReportOutcome("p2", false, 0))

	_, err := r.Route(context.Background(), fixtures.Payload("a", "backend"), types.CriticalityHigh)
	testutil.AssertErrorCode(t, err, types.ErrNoEligibleTargets)
	assert.Equal(t, []types.PrincipalID{"p1", "p2"}, r.OpenCircuits())
	assert.Empty(t, r.HalfOpenCandidates())

	r.ResetCircuit("p2")
	dec, err := r.Route(context.Background(), fixtures.Payload("a", "backend"), types.CriticalityHigh)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p2"}, dec.Targets)
}

// ---------------------------------------------------------------------------
// properties
// ---------------------------------------------------------------------------

func TestRouter_DeterministicRanking(t *testing.T) {
	domains := []string{"backend", "frontend", "security", "data"}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		principals := make([]types.Principal, n)
		for i := range principals {
			d := rapid.SampledFrom(domains).Draw(rt, fmt.Sprintf("domain%d", i))
			principals[i] = types.Principal{
				ID:           types.PrincipalID(fmt.Sprintf("p%d", i+1)),
				Domain:       d,
				Capabilities: []string{d},
				Keywords:     rapid.SliceOfN(rapid.SampledFrom(domains), 0, 3).Draw(rt, fmt.Sprintf("kw%d", i)),
				Capacity:     rapid.IntRange(0, 5).Draw(rt, fmt.Sprintf("cap%d", i)),
				Health:       types.HealthActive,
			}
		}
		reg := registry.New(registry.DefaultConfig(), zap.NewNop())
		if err := reg.Bootstrap(principals); err != nil {
			rt.Fatalf("bootstrap: %v", err)
		}
		payload := types.Payload{
			ID:          "job",
			Domain:      rapid.SampledFrom(domains).Draw(rt, "payloadDomain"),
			Keywords:    rapid.SliceOfN(rapid.SampledFrom(domains), 0, 3).Draw(rt, "payloadKeywords"),
			ContextTags: rapid.SliceOfN(rapid.SampledFrom(domains), 0, 2).Draw(rt, "tags"),
		}
		crit := rapid.SampledFrom([]types.Criticality{
			types.CriticalityLow, types.CriticalityMedium, types.CriticalityHigh, types.CriticalityCritical,
		}).Draw(rt, "criticality")

		a := New(DefaultConfig(), reg, nil)
		b := New(DefaultConfig(), reg, nil)
		da, err := a.Route(context.Background(), payload, crit)
		if err != nil {
			rt.Fatalf("route: %v", err)
		}
		db, err := b.Route(context.Background(), payload, crit)
		if err != nil {
			rt.Fatalf("route: %v", err)
		}
		if fmt.Sprint(da.Targets) != fmt.Sprint(db.Targets) || da.Strategy != db.Strategy {
			rt.Fatalf("same inputs routed differently: %v vs %v", da.Targets, db.Targets)
		}
		for i := 1; i < len(da.Scores); i++ {
			if da.Scores[i].Total > da.Scores[i-1].Total {
				rt.Fatalf("scores not sorted: %v", da.Scores)
			}
		}
		for _, s := range da.Scores {
			if s.Total < 0 || s.Total > 1 {
				rt.Fatalf("score out of range: %v", s)
			}
		}
	})
}
