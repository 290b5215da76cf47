package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMux(t *testing.T) {
	echo := func(tag string) Handler {
		return func(_ context.Context, msg *Message) (json.RawMessage, error) {
			return json.RawMessage(`"` + tag + `"`), nil
		}
	}

	mux := NewTopicMux(nil)
	mux.Handle("consensus.proposal", echo("proposal"))

	out, err := mux.Serve(context.Background(), &Message{Topic: "consensus.proposal"})
	require.NoError(t, err)
	assert.JSONEq(t, `"proposal"`, string(out))

	_, err = mux.Serve(context.Background(), &Message{Topic: "work"})
	assert.ErrorContains(t, err, `no handler for topic "work"`)

	mux.SetFallback(echo("work"))
	out, err = mux.Serve(context.Background(), &Message{})
	require.NoError(t, err)
	assert.JSONEq(t, `"work"`, string(out))
}

func TestTopicMux_OverNode(t *testing.T) {
	c := newTestCluster(t, 2, nil)
	mux := NewTopicMux(nil)
	mux.Handle("ping", func(context.Context, *Message) (json.RawMessage, error) { return json.RawMessage(`"pong"`), nil })
	c.nodes["p2"].OnMessage(TypeRequest, mux.Serve)

	msg := reliableMsg("p2", AtLeastOnce, 0, `{}`)
	msg.Topic = "ping"
	ack, err := c.nodes["p1"].Send(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.JSONEq(t, `"pong"`, string(ack.Result))

	other := reliableMsg("p2", AtLeastOnce, 0, `{}`)
	ack, err = c.nodes["p1"].Send(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
}
