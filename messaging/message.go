package messaging

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/hivecoord/types"
)

// MessageType 消息类型
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeBroadcast MessageType = "broadcast"
	TypeHeartbeat MessageType = "heartbeat"
	TypeSync      MessageType = "sync"
)

// Reliability 投递可靠性级别
type Reliability string

const (
	BestEffort  Reliability = "best_effort"
	AtLeastOnce Reliability = "at_least_once"
	ExactlyOnce Reliability = "exactly_once"
)

// Reliable reports whether the level is retried and ordered.
func (r Reliability) Reliable() bool {
	return r == AtLeastOnce || r == ExactlyOnce
}

// ParseReliability 解析可靠性级别，空串按 at_least_once
func ParseReliability(s string) (Reliability, error) {
	switch r := Reliability(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return AtLeastOnce, nil
	case BestEffort, AtLeastOnce, ExactlyOnce:
		return r, nil
	default:
		return "", types.NewValidationError("unknown delivery reliability %q", s)
	}
}

// DefaultMaxHops is the default hop_list cap for cascades.
const DefaultMaxHops = 8

// Message 节点间消息
type Message struct {
	ID          string              `json:"id"`
	Type        MessageType         `json:"type"`
	Topic       string              `json:"topic,omitempty"`
	Source      types.PrincipalID   `json:"source"`
	Target      types.PrincipalID   `json:"target"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Priority    types.Priority      `json:"priority"`
	Reliability Reliability         `json:"reliability"`
	RequiresAck bool                `json:"requires_ack"`
	TTL         time.Duration       `json:"ttl"`
	HopList     []types.PrincipalID `json:"hop_list,omitempty"`
	Seq         uint64              `json:"seq,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	Signature   []byte              `json:"signature,omitempty"`
}

// NewMessage creates a request message with a fresh id.
func NewMessage(msgType MessageType, target types.PrincipalID, payload json.RawMessage) *Message {
	return &Message{
		ID:       uuid.New().String(),
		Type:     msgType,
		Target:   target,
		Payload:  payload,
		Priority: types.PriorityMedium,
	}
}

// Expired reports whether the message ttl has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && !m.CreatedAt.IsZero() && now.Sub(m.CreatedAt) >= m.TTL
}

// Deadline returns the moment the message expires.
func (m *Message) Deadline() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// AppendHop records a traversal through id. Exceeding max aborts with
// CASCADE_LIMIT_EXCEEDED; a hop already in the list is a loop.
func (m *Message) AppendHop(id types.PrincipalID, max int) error {
	if max <= 0 {
		max = DefaultMaxHops
	}
	for _, h := range m.HopList {
		if h == id {
			return types.NewError(types.ErrCascadeLimitExceeded, "routing loop through "+string(id)).WithPrincipal(id)
		}
	}
	if len(m.HopList)+1 > max {
		return types.NewCascadeLimitError(len(m.HopList)+1, max)
	}
	m.HopList = append(m.HopList, id)
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	c.HopList = append([]types.PrincipalID(nil), m.HopList...)
	c.Signature = append([]byte(nil), m.Signature...)
	return &c
}

// SigningBytes is the canonical encoding covered by the signature.
func (m *Message) SigningBytes() []byte {
	c := *m
	c.Signature = nil
	b, _ := json.Marshal(&c)
	return b
}

// Ack 接收方确认
type Ack struct {
	MessageID  string            `json:"message_id"`
	From       types.PrincipalID `json:"from"`
	To         types.PrincipalID `json:"to"`
	Accepted   bool              `json:"accepted"`
	Reason     string            `json:"reason,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// AckSet 广播结果
type AckSet struct {
	Acks     []*Ack                      `json:"acks"`
	Failures map[types.PrincipalID]error `json:"-"`
}

func newAckSet() *AckSet {
	return &AckSet{Failures: make(map[types.PrincipalID]error)}
}

// Accepted returns the principals that accepted the message.
func (s *AckSet) Accepted() []types.PrincipalID {
	var ids []types.PrincipalID
	for _, a := range s.Acks {
		if a.Accepted {
			ids = append(ids, a.From)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FailureReasons renders failures for logs and API responses.
func (s *AckSet) FailureReasons() map[types.PrincipalID]string {
	out := make(map[types.PrincipalID]string, len(s.Failures))
	for id, err := range s.Failures {
		out[id] = err.Error()
	}
	return out
}
