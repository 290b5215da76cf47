package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/identity"
	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/testutil"
	"github.com/BaSui01/hivecoord/testutil/fixtures"
	"github.com/BaSui01/hivecoord/types"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type testCluster struct {
	reg       *registry.Registry
	transport *MemoryTransport
	nodes     map[types.PrincipalID]*Node
}

func newTestCluster(t *testing.T, n int, tweak func(*Config), opts ...Option) *testCluster {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	require.NoError(t, reg.Bootstrap(fixtures.Principals(n)))

	tr := NewMemoryTransport(zap.NewNop())
	c := &testCluster{reg: reg, transport: tr, nodes: make(map[types.PrincipalID]*Node)}
	for _, p := range fixtures.Principals(n) {
		cfg := DefaultConfig(p.ID)
		cfg.Retry.InitialDelay = 20 * time.Millisecond
		cfg.Retry.MaxDelay = 200 * time.Millisecond
		cfg.GapTimeout = 100 * time.Millisecond
		if tweak != nil {
			tweak(&cfg)
		}
		node, err := NewNode(cfg, tr, reg, zap.NewNop(), opts...)
		require.NoError(t, err)
		require.NoError(t, node.Start(context.Background()))
		c.nodes[p.ID] = node
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			_ = node.Close()
		}
		_ = tr.Close()
	})
	return c
}

type recorder struct {
	mu     sync.Mutex
	msgs   []*Message
	result json.RawMessage
}

func (r *recorder) handle(_ context.Context, msg *Message) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.result, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func reliableMsg(target types.PrincipalID, level Reliability, ttl time.Duration, payload string) *Message {
	m := NewMessage(TypeRequest, target, json.RawMessage(payload))
	m.Reliability = level
	m.TTL = ttl
	return m
}

// ---------------------------------------------------------------------------
// construction & validation
// ---------------------------------------------------------------------------

func TestNewNode_Validation(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	tr := NewMemoryTransport(nil)

	_, err := NewNode(Config{}, tr, reg, nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = NewNode(Config{ID: types.Broadcast}, tr, reg, nil)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = NewNode(Config{ID: "p1"}, nil, reg, nil)
	assert.Error(t, err)

	node, err := NewNode(Config{ID: "p1"}, tr, reg, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, node.config.DefaultTTL)
	assert.Equal(t, DefaultMaxHops, node.config.MaxHops)
}

func TestNode_SendBeforeStart(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), nil)
	node, err := NewNode(Config{ID: "p1"}, NewMemoryTransport(nil), reg, nil)
	require.NoError(t, err)

	_, err = node.Send(context.Background(), NewMessage(TypeRequest, "p2", nil))
	assert.True(t, types.IsCode(err, types.ErrClosed))
}

func TestNode_SendRejectsInvalidTargets(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	ctx := testutil.TestContext(t)

	tests := []struct {
		name   string
		target types.PrincipalID
	}{
		{"empty", ""},
		{"broadcast", types.Broadcast},
		{"self", "p1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.nodes["p1"].Send(ctx, NewMessage(TypeRequest, tt.target, nil))
			testutil.AssertErrorCode(t, err, types.ErrValidation)
		})
	}
}

func TestNode_SendRejectsHopOverflow(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	m := NewMessage(TypeRequest, "p2", nil)
	for i := 0; i <= DefaultMaxHops; i++ {
		m.HopList = append(m.HopList, types.PrincipalID(string(rune('a'+i))))
	}
	_, err := c.nodes["p1"].Send(testutil.TestContext(t), m)
	testutil.AssertErrorCode(t, err, types.ErrCascadeLimitExceeded)
}

// ---------------------------------------------------------------------------
// reliability levels
// ---------------------------------------------------------------------------

func TestNode_BestEffort(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), NewMessage(TypeRequest, "p2", json.RawMessage(`"hi"`)))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "transmitted", ack.Reason)

	testutil.AssertEventuallyTrue(t, func() bool { return rec.count() == 1 }, time.Second)
	assert.Equal(t, uint64(0), c.nodes["p2"].Vector().Get("p1"), "best effort is not sequenced")
}

func TestNode_BestEffortRequiresAck(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{result: json.RawMessage(`{"ok":true}`)}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	m := NewMessage(TypeRequest, "p2", json.RawMessage(`1`))
	m.RequiresAck = true
	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), m)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, types.PrincipalID("p2"), ack.From)
	assert.JSONEq(t, `{"ok":true}`, string(ack.Result))
}

func TestNode_BestEffortIsNotRetried(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)
	c.transport.SetDropFunc(DropFirst(1, MessagesTo("p2")))

	_, err := c.nodes["p1"].Send(testutil.TestContext(t), NewMessage(TypeRequest, "p2", nil))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	delivered, dropped := c.transport.Stats()
	assert.Equal(t, int64(0), delivered)
	assert.Equal(t, int64(1), dropped)
}

func TestNode_AtLeastOnceAck(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `"x"`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, uint64(1), c.nodes["p1"].SentVector().Get("p2"))
	assert.Equal(t, uint64(1), c.nodes["p2"].Vector().Get("p1"))

	pending, err := c.nodes["p1"].outbox.Pending(context.Background(), "p2")
	require.NoError(t, err)
	assert.Empty(t, pending, "acked message must leave the outbox")
}

// Scenario D: ttl=2s, first two attempts dropped, third arrives before expiry.
func TestNode_ScenarioD_RetriesUntilAck(t *testing.T) {
	c := newTestCluster(t, 2, func(cfg *Config) {
		cfg.Retry.InitialDelay = 100 * time.Millisecond
		cfg.Retry.MaxDelay = time.Second
	})
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)
	c.transport.SetDropFunc(DropFirst(2, MessagesTo("p2")))

	start := time.Now()
	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, 2*time.Second, `"d"`))
	require.NoError(t, err, "caller must receive an Ack, not a Timeout")
	require.NotNil(t, ack)
	assert.True(t, ack.Accepted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, rec.count())

	_, dropped := c.transport.Stats()
	assert.Equal(t, int64(2), dropped)
}

func TestNode_AtLeastOnceTimesOut(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	c.transport.SetDropFunc(func(env Envelope) bool { return env.Kind == KindMessage })

	start := time.Now()
	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, 300*time.Millisecond, `1`))
	assert.Nil(t, ack)
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second, "timeout is bounded by ttl")

	pending, _ := c.nodes["p1"].outbox.Pending(context.Background(), "p2")
	assert.Empty(t, pending, "expired message must leave the outbox")
}

func TestNode_CallerCancellationDoesNotStopRetries(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)
	c.transport.SetDropFunc(DropFirst(3, MessagesTo("p2")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.nodes["p1"].Send(ctx, reliableMsg("p2", AtLeastOnce, 2*time.Second, `1`))
	testutil.AssertErrorCode(t, err, types.ErrTimeout)

	testutil.AssertEventuallyTrue(t, func() bool { return rec.count() == 1 }, 2*time.Second)
}

func TestNode_RejectedAckIsTerminal(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	c.nodes["p2"].OnMessage(TypeRequest, func(context.Context, *Message) (json.RawMessage, error) {
		return nil, errors.New("nope")
	})

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `1`))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "nope", ack.Reason)
}

func TestNode_NoHandlerRejects(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `1`))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Reason, "no handler")
}

func TestNode_HandlerPanicBecomesInternalRejection(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	c.nodes["p2"].OnMessage(TypeRequest, func(context.Context, *Message) (json.RawMessage, error) {
		panic("boom")
	})

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `1`))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Contains(t, ack.Reason, string(types.ErrInternal))

	// node keeps serving after a panic
	c.nodes["p2"].OnMessage(TypeRequest, (&recorder{}).handle)
	ack, err = c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `2`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
}

// ---------------------------------------------------------------------------
// idempotence
// ---------------------------------------------------------------------------

func TestNode_ReceiverDedupsRedeliveries(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	m := reliableMsg("p2", AtLeastOnce, 5*time.Second, `"once"`)
	m.Source = "p1"
	m.Seq = 1
	m.CreatedAt = time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.transport.Deliver(context.Background(), Envelope{Kind: KindMessage, To: "p2", Message: m}))
	}

	testutil.AssertEventuallyTrue(t, func() bool { return c.nodes["p2"].Vector().Get("p1") == 1 }, time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "repeated delivery must have exactly one effect")
}

func TestNode_ExactlyOnceSenderWindow(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{result: json.RawMessage(`"r1"`)}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	m := reliableMsg("p2", ExactlyOnce, time.Second, `"eo"`)
	first, err := c.nodes["p1"].Send(testutil.TestContext(t), m.Clone())
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.False(t, first.Duplicate)

	delivered, _ := c.transport.Stats()

	again, err := c.nodes["p1"].Send(testutil.TestContext(t), m.Clone())
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Result, again.Result)

	after, _ := c.transport.Stats()
	assert.Equal(t, delivered, after, "dedup window answers without re-sending")
	assert.Equal(t, 1, rec.count())
}

func TestNode_ExactlyOnceReceiverReturnsOriginalResult(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{result: json.RawMessage(`{"n":42}`)}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	// 第一次确认丢失，重传得到缓存的原始结果
	c.transport.SetDropFunc(DropFirst(1, func(env Envelope) bool { return env.Kind == KindAck }))

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", ExactlyOnce, 2*time.Second, `1`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.True(t, ack.Duplicate)
	assert.JSONEq(t, `{"n":42}`, string(ack.Result))
	assert.Equal(t, 1, rec.count())
}

func TestNode_ConcurrentSendsOfSameIDJoin(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)
	c.transport.SetLatency(50 * time.Millisecond)

	m := reliableMsg("p2", ExactlyOnce, 2*time.Second, `1`)
	var wg sync.WaitGroup
	acks := make([]*Ack, 4)
	for i := range acks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acks[i], _ = c.nodes["p1"].Send(context.Background(), m.Clone())
		}()
	}
	wg.Wait()

	for _, a := range acks {
		require.NotNil(t, a)
		assert.True(t, a.Accepted)
	}
	assert.Equal(t, 1, rec.count())
}

// ---------------------------------------------------------------------------
// ordering & sync
// ---------------------------------------------------------------------------

func TestNode_HoldsBackOutOfOrderMessages(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	mk := func(seq uint64, body string) *Message {
		m := reliableMsg("p2", AtLeastOnce, 5*time.Second, body)
		m.Source = "p1"
		m.Seq = seq
		m.CreatedAt = time.Now()
		return m
	}
	for _, m := range []*Message{mk(3, `"c"`), mk(2, `"b"`), mk(1, `"a"`)} {
		require.NoError(t, c.transport.Deliver(context.Background(), Envelope{Kind: KindMessage, To: "p2", Message: m}))
	}

	testutil.AssertEventuallyTrue(t, func() bool { return rec.count() == 3 }, time.Second)
	assert.Equal(t, []string{`"a"`, `"b"`, `"c"`}, rec.payloads())
	assert.Equal(t, uint64(3), c.nodes["p2"].Vector().Get("p1"))
}

func TestNode_PerPairOrderUnderLoss(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)
	// 丢弃第一条的首次传输，后续消息先到达
	c.transport.SetDropFunc(DropFirst(1, MessagesTo("p2")))

	var wg sync.WaitGroup
	bodies := []string{`1`, `2`, `3`, `4`}
	for i, b := range bodies {
		m := reliableMsg("p2", AtLeastOnce, 3*time.Second, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.nodes["p1"].Send(context.Background(), m)
			assert.NoError(t, err)
		}()
		want := uint64(i + 1)
		testutil.AssertEventuallyTrue(t, func() bool { return c.nodes["p1"].SentVector().Get("p2") == want }, time.Second)
	}
	wg.Wait()

	assert.Equal(t, bodies, rec.payloads())
}

func TestNode_GapSyncFastForwardsPastExpiredMessage(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	lost := reliableMsg("p2", AtLeastOnce, 200*time.Millisecond, `"lost"`)
	c.transport.SetDropFunc(func(env Envelope) bool {
		return env.Kind == KindMessage && env.Message.ID == lost.ID
	})

	lostErr := make(chan error, 1)
	go func() {
		_, err := c.nodes["p1"].Send(context.Background(), lost)
		lostErr <- err
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return c.nodes["p1"].SentVector().Get("p2") == 1 }, time.Second)

	ack, err := c.nodes["p1"].Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, 5*time.Second, `"kept"`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	err, ok := testutil.WaitForChannel[error](lostErr, 2*time.Second)
	require.True(t, ok)
	testutil.AssertErrorCode(t, err, types.ErrTimeout)

	assert.Equal(t, []string{`"kept"`}, rec.payloads())
	assert.Equal(t, uint64(2), c.nodes["p2"].Vector().Get("p1"))
}

func TestNode_CheckGapsIsRateLimited(t *testing.T) {
	c := newTestCluster(t, 2, func(cfg *Config) { cfg.GapTimeout = time.Hour })
	n2 := c.nodes["p2"]

	m := reliableMsg("p2", AtLeastOnce, 5*time.Second, `1`)
	m.Source = "p1"
	m.Seq = 5
	m.CreatedAt = time.Now()
	require.NoError(t, c.transport.Deliver(context.Background(), Envelope{Kind: KindMessage, To: "p2", Message: m}))
	testutil.AssertEventuallyTrue(t, func() bool {
		n2.recvMu.Lock()
		defer n2.recvMu.Unlock()
		return len(n2.holdback["p1"]) == 1
	}, time.Second)

	now := time.Now()
	assert.Empty(t, n2.CheckGaps(now), "gap younger than GapTimeout")
	assert.Equal(t, []types.PrincipalID{"p1"}, n2.CheckGaps(now.Add(2*time.Hour)))
	assert.Empty(t, n2.CheckGaps(now.Add(2*time.Hour)), "second request within the window is limited")
}

// ---------------------------------------------------------------------------
// broadcast
// ---------------------------------------------------------------------------

func TestNode_Broadcast(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	recs := map[types.PrincipalID]*recorder{}
	for id, n := range c.nodes {
		r := &recorder{}
		recs[id] = r
		n.OnMessage(TypeBroadcast, r.handle)
	}

	m := NewMessage(TypeBroadcast, types.Broadcast, json.RawMessage(`"all"`))
	m.Reliability = AtLeastOnce
	m.TTL = time.Second
	set, err := c.nodes["p1"].Broadcast(testutil.TestContext(t), m)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p2", "p3", "p4"}, set.Accepted())
	assert.Empty(t, set.Failures)
	assert.Equal(t, 0, recs["p1"].count(), "broadcast excludes the sender")
}

func TestNode_BroadcastSkipsQuarantined(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	for _, n := range c.nodes {
		n.OnMessage(TypeBroadcast, (&recorder{}).handle)
	}
	require.NoError(t, c.reg.Quarantine("p3", "test", -1))

	m := NewMessage(TypeBroadcast, types.Broadcast, nil)
	m.Reliability = AtLeastOnce
	m.TTL = time.Second
	set, err := c.nodes["p1"].Broadcast(testutil.TestContext(t), m)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p2", "p4"}, set.Accepted())
}

func TestNode_BroadcastCollectsFailures(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	c.nodes["p2"].OnMessage(TypeBroadcast, (&recorder{}).handle)
	c.nodes["p3"].OnMessage(TypeBroadcast, (&recorder{}).handle)
	c.transport.SetDropFunc(func(env Envelope) bool { return env.To == "p3" && env.Kind == KindMessage })

	m := NewMessage(TypeBroadcast, types.Broadcast, nil)
	m.Reliability = AtLeastOnce
	m.TTL = 200 * time.Millisecond
	set, err := c.nodes["p1"].Broadcast(testutil.TestContext(t), m)
	require.NoError(t, err)
	assert.Equal(t, []types.PrincipalID{"p2"}, set.Accepted())
	require.Contains(t, set.Failures, types.PrincipalID("p3"))
	assert.True(t, types.IsCode(set.Failures["p3"], types.ErrTimeout))
}

func TestNode_BroadcastNoEligibleTargets(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	_, err := c.nodes["p1"].Broadcast(testutil.TestContext(t), NewMessage(TypeBroadcast, types.Broadcast, nil))
	testutil.AssertErrorCode(t, err, types.ErrNoEligibleTargets)
}

// ---------------------------------------------------------------------------
// authentication
// ---------------------------------------------------------------------------

func TestNode_SignedMessages(t *testing.T) {
	signers, ring, err := identity.Generate("p1", "p2")
	require.NoError(t, err)

	reg := registry.New(registry.DefaultConfig(), nil)
	require.NoError(t, reg.Bootstrap(fixtures.Principals(3)))
	tr := NewMemoryTransport(nil)

	start := func(id types.PrincipalID, s identity.Signer) *Node {
		n, err := NewNode(DefaultConfig(id), tr, reg, nil, WithSigner(s), WithVerifier(ring))
		require.NoError(t, err)
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { _ = n.Close() })
		return n
	}
	stranger, err := identity.NewEd25519Signer("p3")
	require.NoError(t, err)

	p1 := start("p1", signers["p1"])
	p2 := start("p2", signers["p2"])
	p3 := start("p3", stranger)

	rec := &recorder{}
	p2.OnMessage(TypeRequest, rec.handle)

	ack, err := p1.Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `1`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	ack, err = p3.Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, time.Second, `2`))
	require.NoError(t, err)
	assert.False(t, ack.Accepted, "unknown key must be rejected, not retried")
	assert.True(t, strings.Contains(ack.Reason, "invalid signature"))
	assert.Equal(t, 1, rec.count())
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

func TestNode_CloseFailsPendingSends(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	c.transport.SetDropFunc(func(env Envelope) bool { return env.Kind == KindMessage })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.nodes["p1"].Send(context.Background(), reliableMsg("p2", AtLeastOnce, 10*time.Second, `1`))
		errCh <- err
	}()
	testutil.AssertEventuallyTrue(t, func() bool { return c.nodes["p1"].SentVector().Get("p2") == 1 }, time.Second)

	require.NoError(t, c.nodes["p1"].Close())
	err, ok := testutil.WaitForChannel[error](errCh, time.Second)
	require.True(t, ok)
	testutil.AssertErrorCode(t, err, types.ErrClosed)

	assert.NoError(t, c.nodes["p1"].Close(), "close is idempotent")
}

func TestNode_ExpiredInboundMessageRejected(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	rec := &recorder{}
	c.nodes["p2"].OnMessage(TypeRequest, rec.handle)

	m := reliableMsg("p2", AtLeastOnce, time.Millisecond, `1`)
	m.Source = "p1"
	m.Seq = 1
	m.CreatedAt = time.Now().Add(-time.Second)
	require.NoError(t, c.transport.Deliver(context.Background(), Envelope{Kind: KindMessage, To: "p2", Message: m}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}
