package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/registry"
	"github.com/BaSui01/hivecoord/testutil"
	"github.com/BaSui01/hivecoord/testutil/fixtures"
	"github.com/BaSui01/hivecoord/types"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisOutbox) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	outbox, err := OpenRedisOutbox(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = outbox.Close()
		mr.Close()
	})
	return mr, outbox
}

func outboxMsg(id string, target types.PrincipalID, seq uint64) *Message {
	return &Message{
		ID:          id,
		Type:        TypeRequest,
		Source:      "p1",
		Target:      target,
		Payload:     json.RawMessage(`{"id":"` + id + `"}`),
		Reliability: AtLeastOnce,
		Seq:         seq,
		TTL:         time.Minute,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

// ---------------------------------------------------------------------------
// shared contract
// ---------------------------------------------------------------------------

func TestOutbox_Contract(t *testing.T) {
	impls := map[string]func(t *testing.T) Outbox{
		"memory": func(*testing.T) Outbox { return NewMemoryOutbox() },
		"redis": func(t *testing.T) Outbox {
			_, o := setupTestRedis(t)
			return o
		},
	}

	for name, newOutbox := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			o := newOutbox(t)

			require.NoError(t, o.Save(ctx, outboxMsg("c", "p2", 3)))
			require.NoError(t, o.Save(ctx, outboxMsg("a", "p2", 1)))
			require.NoError(t, o.Save(ctx, outboxMsg("b", "p2", 2)))
			require.NoError(t, o.Save(ctx, outboxMsg("x", "p3", 1)))

			pending, err := o.Pending(ctx, "p2")
			require.NoError(t, err)
			require.Len(t, pending, 3)
			assert.Equal(t, []uint64{1, 2, 3}, []uint64{pending[0].Seq, pending[1].Seq, pending[2].Seq})

			got, ok, err := o.Get(ctx, "p2", "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"id":"b"}`, string(got.Payload))
			assert.Equal(t, AtLeastOnce, got.Reliability)

			_, ok, err = o.Get(ctx, "p2", "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, o.Remove(ctx, "p2", "a"))
			require.NoError(t, o.Remove(ctx, "p2", "a"), "remove is idempotent")
			pending, err = o.Pending(ctx, "p2")
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "b", pending[0].ID)

			other, err := o.Pending(ctx, "p3")
			require.NoError(t, err)
			assert.Len(t, other, 1)

			none, err := o.Pending(ctx, "p9")
			require.NoError(t, err)
			assert.Empty(t, none)

			assert.ErrorIs(t, o.Save(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, o.Save(ctx, &Message{ID: "no-target"}), ErrInvalidInput)
		})
	}
}

func TestMemoryOutbox_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOutbox()
	m := outboxMsg("a", "p2", 1)
	require.NoError(t, o.Save(ctx, m))

	m.Payload[0] = '['
	got, _, _ := o.Get(ctx, "p2", "a")
	got.Seq = 99

	again, _, _ := o.Get(ctx, "p2", "a")
	assert.Equal(t, uint64(1), again.Seq)
	assert.Equal(t, byte('{'), again.Payload[0])
}

// ---------------------------------------------------------------------------
// redis specifics
// ---------------------------------------------------------------------------

func TestRedisOutbox_ExpiredEntriesArePruned(t *testing.T) {
	mr, o := setupTestRedis(t)
	ctx := context.Background()

	short := outboxMsg("short", "p2", 1)
	short.TTL = time.Second
	require.NoError(t, o.Save(ctx, short))
	require.NoError(t, o.Save(ctx, outboxMsg("long", "p2", 2)))

	mr.FastForward(2 * time.Second)

	pending, err := o.Pending(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "long", pending[0].ID)

	members, err := mr.ZMembers("hivecoord:outbox:pending:p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, members)
}

func TestRedisOutbox_KeyPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	o := NewRedisOutbox(client, "hive-a:")
	defer o.Close()

	require.NoError(t, o.Ping(context.Background()))
	require.NoError(t, o.Save(context.Background(), outboxMsg("m1", "p2", 1)))
	assert.True(t, mr.Exists("hive-a:outbox:data:p2:m1"))
	assert.True(t, mr.Exists("hive-a:outbox:pending:p2"))
}

func TestRedisOutbox_ForIsolatesSenders(t *testing.T) {
	mr, outbox := setupTestRedis(t)
	ctx := context.Background()

	a, b := outbox.For("p1"), outbox.For("p3")
	require.NoError(t, a.Save(ctx, outboxMsg("m1", "p2", 1)))
	require.NoError(t, b.Save(ctx, outboxMsg("m2", "p2", 1)))

	pending, err := a.Pending(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].ID)
	assert.True(t, mr.Exists("hivecoord:outbox:p3:pending:p2"))
}

func TestOpenRedisOutbox_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = OpenRedisOutbox(testutil.TestContextWithTimeout(t, 2*time.Second), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

func TestNode_SyncRetransmitsFromRedisOutbox(t *testing.T) {
	_, outbox := setupTestRedis(t)

	reg := registry.New(registry.DefaultConfig(), zap.NewNop())
	require.NoError(t, reg.Bootstrap(fixtures.Principals(2)))
	tr := NewMemoryTransport(nil)

	cfg1 := DefaultConfig("p1")
	cfg1.Retry.MaxRetries = 0
	p1, err := NewNode(cfg1, tr, reg, nil, WithOutbox(outbox))
	require.NoError(t, err)
	cfg2 := DefaultConfig("p2")
	cfg2.GapTimeout = 50 * time.Millisecond
	p2, err := NewNode(cfg2, tr, reg, nil)
	require.NoError(t, err)
	for _, n := range []*Node{p1, p2} {
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(func() { _ = n.Close() })
	}

	rec := &recorder{}
	p2.OnMessage(TypeRequest, rec.handle)

	// seq 1 的唯一一次传输丢失，seq 2 到达后 p2 发起 sync，p1 从 Redis outbox 重传
	tr.SetDropFunc(DropFirst(1, MessagesTo("p2")))

	first := reliableMsg("p2", AtLeastOnce, 5*time.Second, `"first"`)
	go func() { _, _ = p1.Send(context.Background(), first) }()
	testutil.AssertEventuallyTrue(t, func() bool { return p1.SentVector().Get("p2") == 1 }, time.Second)

	ack, err := p1.Send(testutil.TestContext(t), reliableMsg("p2", AtLeastOnce, 5*time.Second, `"second"`))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, []string{`"first"`, `"second"`}, rec.payloads())
}
