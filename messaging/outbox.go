package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/hivecoord/internal/tlsutil"
	"github.com/BaSui01/hivecoord/types"
)

// ErrInvalidInput is returned for nil or incomplete messages.
var ErrInvalidInput = errors.New("outbox: invalid input")

// Outbox 持久化尚未确认的可靠消息。发送前写入，确认后删除；
// 同步请求时按序号读取未确认消息用于重传。
type Outbox interface {
	Save(ctx context.Context, msg *Message) error
	Get(ctx context.Context, target types.PrincipalID, msgID string) (*Message, bool, error)
	Remove(ctx context.Context, target types.PrincipalID, msgID string) error
	// Pending returns unacknowledged messages for target ordered by seq.
	Pending(ctx context.Context, target types.PrincipalID) ([]*Message, error)
}

// =============================================================================
// 🧠 Memory outbox
// =============================================================================

// MemoryOutbox 进程内 outbox
type MemoryOutbox struct {
	mu   sync.Mutex
	msgs map[types.PrincipalID]map[string]*Message
}

// NewMemoryOutbox 创建进程内 outbox
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{msgs: make(map[types.PrincipalID]map[string]*Message)}
}

// Save 实现 Outbox
func (o *MemoryOutbox) Save(_ context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" || msg.Target == "" {
		return ErrInvalidInput
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	byID, ok := o.msgs[msg.Target]
	if !ok {
		byID = make(map[string]*Message)
		o.msgs[msg.Target] = byID
	}
	byID[msg.ID] = msg.Clone()
	return nil
}

// Get 实现 Outbox
func (o *MemoryOutbox) Get(_ context.Context, target types.PrincipalID, msgID string) (*Message, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.msgs[target][msgID]
	if !ok {
		return nil, false, nil
	}
	return m.Clone(), true, nil
}

// Remove 实现 Outbox
func (o *MemoryOutbox) Remove(_ context.Context, target types.PrincipalID, msgID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if byID, ok := o.msgs[target]; ok {
		delete(byID, msgID)
	}
	return nil
}

// Pending 实现 Outbox
func (o *MemoryOutbox) Pending(_ context.Context, target types.PrincipalID) ([]*Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Message, 0, len(o.msgs[target]))
	for _, m := range o.msgs[target] {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// =============================================================================
// 🟥 Redis outbox
// =============================================================================

// RedisOutbox 基于 Redis 的 outbox，适合跨进程部署
// 每条消息一个数据键（随 TTL 过期），每个目标一个按序号排序的 pending zset。
type RedisOutbox struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions Redis 连接参数
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	TLS       bool
}

// OpenRedisOutbox 连接 Redis 并创建 outbox
func OpenRedisOutbox(ctx context.Context, opts RedisOptions) (*RedisOutbox, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	}
	if opts.TLS {
		ro.TLSConfig = tlsutil.ClientConfig(opts.Addr)
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisOutbox(client, opts.KeyPrefix), nil
}

// NewRedisOutbox 使用已有客户端创建 outbox
func NewRedisOutbox(client *redis.Client, keyPrefix string) *RedisOutbox {
	if keyPrefix == "" {
		keyPrefix = "hivecoord:"
	}
	return &RedisOutbox{
		client:    client,
		keyPrefix: keyPrefix + "outbox:",
	}
}

// For 返回共享同一客户端、按发送方隔离键空间的 outbox。
// 多个本地节点共用一个 Redis 时每个节点使用各自的视图。
func (o *RedisOutbox) For(owner types.PrincipalID) *RedisOutbox {
	return &RedisOutbox{
		client:    o.client,
		keyPrefix: o.keyPrefix + string(owner) + ":",
	}
}

// Close closes the client.
func (o *RedisOutbox) Close() error {
	return o.client.Close()
}

// Ping checks if the store is healthy
func (o *RedisOutbox) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}

func (o *RedisOutbox) dataKey(target types.PrincipalID, msgID string) string {
	return o.keyPrefix + "data:" + string(target) + ":" + msgID
}

func (o *RedisOutbox) pendingKey(target types.PrincipalID) string {
	return o.keyPrefix + "pending:" + string(target)
}

// Save 实现 Outbox
func (o *RedisOutbox) Save(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" || msg.Target == "" {
		return ErrInvalidInput
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := o.client.Pipeline()
	pipe.Set(ctx, o.dataKey(msg.Target, msg.ID), data, msg.TTL)
	pipe.ZAdd(ctx, o.pendingKey(msg.Target), redis.Z{
		Score:  float64(msg.Seq),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Get 实现 Outbox
func (o *RedisOutbox) Get(ctx context.Context, target types.PrincipalID, msgID string) (*Message, bool, error) {
	data, err := o.client.Get(ctx, o.dataKey(target, msgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get message: %w", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, true, nil
}

// Remove 实现 Outbox
func (o *RedisOutbox) Remove(ctx context.Context, target types.PrincipalID, msgID string) error {
	pipe := o.client.Pipeline()
	pipe.Del(ctx, o.dataKey(target, msgID))
	pipe.ZRem(ctx, o.pendingKey(target), msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// Pending 实现 Outbox；数据键已过期的条目会从 pending 集合中清除
func (o *RedisOutbox) Pending(ctx context.Context, target types.PrincipalID) ([]*Message, error) {
	ids, err := o.client.ZRange(ctx, o.pendingKey(target), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = o.dataKey(target, id)
	}
	vals, err := o.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending: %w", err)
	}

	out := make([]*Message, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, &m)
	}
	if len(stale) > 0 {
		o.client.ZRem(ctx, o.pendingKey(target), stale...)
	}
	return out, nil
}
