package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/internal/tlsutil"
	"github.com/BaSui01/hivecoord/types"
)

// WSConfig WebSocket 传输配置
type WSConfig struct {
	DialTimeout  time.Duration `json:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	// ReadLimit 单帧最大字节数
	ReadLimit int64 `json:"read_limit"`
	// Subprotocols 握手协商的子协议
	Subprotocols []string `json:"subprotocols"`
}

// DefaultWSConfig returns a WSConfig with sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20,
		Subprotocols: []string{"hivecoord.v1"},
	}
}

// WebSocketTransport 跨进程传输：本进程节点直接投递，远端节点经由
// 懒建立的 WebSocket 连接以 JSON 帧发送
type WebSocketTransport struct {
	config WSConfig
	logger *zap.Logger

	mu      sync.RWMutex
	local   map[types.PrincipalID]Receiver
	peers   map[types.PrincipalID]string
	conns   map[types.PrincipalID]*wsPeer
	inbound map[*websocket.Conn]struct{}
	closed  bool
}

// wsPeer 出站连接，写操作串行化
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport 创建 WebSocket 传输
func NewWebSocketTransport(config WSConfig, logger *zap.Logger) *WebSocketTransport {
	d := DefaultWSConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = d.DialTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = d.WriteTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = d.ReadLimit
	}
	if len(config.Subprotocols) == 0 {
		config.Subprotocols = d.Subprotocols
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		config:  config,
		logger:  logger.With(zap.String("component", "ws_transport")),
		local:   make(map[types.PrincipalID]Receiver),
		peers:   make(map[types.PrincipalID]string),
		conns:   make(map[types.PrincipalID]*wsPeer),
		inbound: make(map[*websocket.Conn]struct{}),
	}
}

// AddPeer 登记远端节点的 ws:// 地址
func (t *WebSocketTransport) AddPeer(id types.PrincipalID, url string) {
	t.mu.Lock()
	t.peers[id] = url
	t.mu.Unlock()
}

// Attach 实现 Transport
func (t *WebSocketTransport) Attach(id types.PrincipalID, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.NewError(types.ErrClosed, "transport closed")
	}
	if _, ok := t.local[id]; ok {
		return fmt.Errorf("receiver %s already attached", id)
	}
	t.local[id] = r
	return nil
}

// Detach 实现 Transport
func (t *WebSocketTransport) Detach(id types.PrincipalID) {
	t.mu.Lock()
	delete(t.local, id)
	t.mu.Unlock()
}

// Deliver 实现 Transport
func (t *WebSocketTransport) Deliver(ctx context.Context, env Envelope) error {
	t.mu.RLock()
	closed := t.closed
	r, isLocal := t.local[env.To]
	url, isPeer := t.peers[env.To]
	t.mu.RUnlock()

	if closed {
		return types.NewError(types.ErrClosed, "transport closed")
	}
	if isLocal {
		r.Receive(env.clone())
		return nil
	}
	if !isPeer {
		return types.Errorf(types.ErrTimeout, "principal %s unreachable", env.To).
			WithPrincipal(env.To).WithRetryable(true)
	}

	peer, err := t.dial(ctx, env.To, url)
	if err != nil {
		return types.Errorf(types.ErrTimeout, "dial %s", env.To).
			WithPrincipal(env.To).WithRetryable(true).WithCause(err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
	defer cancel()

	peer.mu.Lock()
	err = wsjson.Write(writeCtx, peer.conn, env)
	peer.mu.Unlock()
	if err != nil {
		t.dropPeer(env.To, peer)
		return types.Errorf(types.ErrTimeout, "write to %s", env.To).
			WithPrincipal(env.To).WithRetryable(true).WithCause(err)
	}
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context, id types.PrincipalID, url string) (*wsPeer, error) {
	t.mu.RLock()
	peer, ok := t.conns[id]
	t.mu.RUnlock()
	if ok {
		return peer, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()
	opts := &websocket.DialOptions{Subprotocols: t.config.Subprotocols}
	if strings.HasPrefix(url, "wss://") {
		opts.HTTPClient = tlsutil.WebSocketClient()
	}
	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
		return nil, types.NewError(types.ErrClosed, "transport closed")
	}
	if existing, ok := t.conns[id]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return existing, nil
	}
	// 出站连接只写，读端只处理控制帧
	conn.CloseRead(context.Background())
	peer = &wsPeer{conn: conn}
	t.conns[id] = peer
	t.logger.Info("peer connected", zap.String("principal_id", string(id)), zap.String("url", url))
	return peer, nil
}

func (t *WebSocketTransport) dropPeer(id types.PrincipalID, peer *wsPeer) {
	t.mu.Lock()
	if cur, ok := t.conns[id]; ok && cur == peer {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	_ = peer.conn.Close(websocket.StatusInternalError, "write failed")
}

// ServeHTTP 接受远端连接并把帧投递到本地节点
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: t.config.Subprotocols,
	})
	if err != nil {
		t.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(t.config.ReadLimit)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
		return
	}
	t.inbound[conn] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
	}()

	ctx := r.Context()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				t.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		t.mu.RLock()
		recv, ok := t.local[env.To]
		t.mu.RUnlock()
		if !ok {
			t.logger.Debug("frame for unknown principal", zap.String("to", string(env.To)))
			continue
		}
		recv.Receive(env)
	}
}

// Close 实现 Transport
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	inbound := t.inbound
	t.conns = make(map[types.PrincipalID]*wsPeer)
	t.inbound = make(map[*websocket.Conn]struct{})
	t.local = make(map[types.PrincipalID]Receiver)
	t.mu.Unlock()

	for _, p := range conns {
		_ = p.conn.Close(websocket.StatusGoingAway, "transport closed")
	}
	for c := range inbound {
		_ = c.Close(websocket.StatusGoingAway, "transport closed")
	}
	return nil
}
