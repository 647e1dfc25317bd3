// pkg/client/request_test.go
package client_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-eftl/pkg/client"
	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

func TestSendRequestReply(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	replies := make(chan *message.Message, 1)
	req := message.New()
	req.SetString("q", "ping")
	err := c.SendRequest(req, 5*time.Second, func(reply *message.Message, err error) {
		require.NoError(t, err)
		replies <- reply
	})
	require.NoError(t, err)

	frame := b.expectOp(protocol.OpRequest)
	assert.Equal(t, 1.0, frame["seq"])
	body, _ := frame["body"].(map[string]any)
	assert.Equal(t, "ping", body["q"])

	b.sendRaw(fmt.Sprintf(`{"op":14,"seq":%d,"body":{"a":"pong"}}`, 1))
	select {
	case reply := <-replies:
		a, ok := reply.String("a")
		require.True(t, ok)
		assert.Equal(t, "pong", a)
	case <-time.After(2 * time.Second):
		t.Fatal("reply never delivered")
	}
}

func TestSendRequestTimeout(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	errs := make(chan error, 1)
	err := c.SendRequest(message.New(), 100*time.Millisecond, func(reply *message.Message, err error) {
		errs <- err
	})
	require.NoError(t, err)
	b.expectOp(protocol.OpRequest)

	select {
	case err := <-errs:
		var protoErr *client.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, int64(client.CodeRequestTimeout), protoErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}

	// A reply landing after the timeout is silently discarded.
	b.sendRaw(`{"op":14,"seq":1,"body":{"a":"too late"}}`)
	select {
	case err := <-errs:
		t.Fatalf("handler resolved twice: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSendRequestServerError(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	errs := make(chan error, 1)
	err := c.SendRequest(message.New(), 5*time.Second, func(reply *message.Message, err error) {
		errs <- err
	})
	require.NoError(t, err)
	b.expectOp(protocol.OpRequest)

	b.sendRaw(`{"op":14,"seq":1,"err":40,"reason":"request not allowed"}`)
	select {
	case err := <-errs:
		var protoErr *client.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, int64(client.CodeRequestDisallowed), protoErr.Code)
		assert.Contains(t, protoErr.Reason, "not allowed")
	case <-time.After(2 * time.Second):
		t.Fatal("error never surfaced")
	}
}

func TestSendRequestValidation(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	handler := func(*message.Message, error) {}
	assert.ErrorIs(t, c.SendRequest(nil, time.Second, handler), client.ErrInvalidArgument)
	assert.ErrorIs(t, c.SendRequest(message.New(), time.Second, nil), client.ErrInvalidArgument)
	assert.ErrorIs(t, c.SendRequest(message.New(), 0, handler), client.ErrInvalidArgument)
}

func TestSendRequestRequiresProtocolVersion(t *testing.T) {
	b := newMockBroker(t, map[string]any{"protocol": 0})
	c := dialBroker(t, b)
	b.expectLogin()

	err := c.SendRequest(message.New(), time.Second, func(*message.Message, error) {})
	assert.ErrorIs(t, err, client.ErrNotSupported)
}

func TestSendReply(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	requests := make(chan *message.Message, 1)
	_, err := c.Subscribe("", "", nil, client.SubscriptionListener{
		OnMessage: func(m *message.Message) { requests <- m },
	})
	require.NoError(t, err)
	b.expectOp(protocol.OpSubscribe)

	// An inbound event carrying reply-to metadata is a request.
	b.sendRaw(`{"op":7,"to":"1","seq":3,"reply_to":"$inbox.42","req":7,"body":{"q":"ping"}}`)
	var inbound *message.Message
	select {
	case inbound = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("request never delivered")
	}
	assert.Equal(t, "$inbox.42", inbound.Receipt().ReplyTo)
	b.expectOp(protocol.OpAck)

	reply := message.New()
	reply.SetString("a", "pong")
	require.NoError(t, c.SendReply(reply, inbound, nil))

	frame := b.expectOp(protocol.OpReply)
	assert.Equal(t, "$inbox.42", frame["to"])
	assert.Equal(t, 7.0, frame["req"])
	body, _ := frame["body"].(map[string]any)
	assert.Equal(t, "pong", body["a"])
}

func TestSendReplyWithoutReplyTo(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	err := c.SendReply(message.New(), message.New(), nil)
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestKVMapSetGetRemove(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	kv, err := c.CreateKVMap("sessions")
	require.NoError(t, err)
	frame := b.expectOp(protocol.OpMapCreate)
	assert.Equal(t, "sessions", frame["map"])

	done := make(chan error, 1)
	value := message.New()
	value.SetString("state", "active")
	require.NoError(t, kv.Set("user-7", value, func(key string, _ *message.Message, err error) {
		assert.Equal(t, "user-7", key)
		done <- err
	}))
	frame = b.expectOp(protocol.OpMapSet)
	assert.Equal(t, "sessions", frame["map"])
	assert.Equal(t, "user-7", frame["key"])
	seq := frame["seq"].(float64)
	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d}`, int64(seq)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("set never completed")
	}

	values := make(chan *message.Message, 1)
	require.NoError(t, kv.Get("user-7", func(_ string, v *message.Message, err error) {
		require.NoError(t, err)
		values <- v
	}))
	frame = b.expectOp(protocol.OpMapGet)
	seq = frame["seq"].(float64)
	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d,"value":{"state":"active"}}`, int64(seq)))
	select {
	case v := <-values:
		require.NotNil(t, v)
		state, _ := v.String("state")
		assert.Equal(t, "active", state)
	case <-time.After(2 * time.Second):
		t.Fatal("get never completed")
	}

	// Absent key: the handler sees a nil value, not an error.
	require.NoError(t, kv.Get("nobody", func(_ string, v *message.Message, err error) {
		require.NoError(t, err)
		values <- v
	}))
	frame = b.expectOp(protocol.OpMapGet)
	seq = frame["seq"].(float64)
	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d}`, int64(seq)))
	select {
	case v := <-values:
		assert.Nil(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("get of absent key never completed")
	}

	require.NoError(t, kv.Remove("user-7", func(_ string, _ *message.Message, err error) {
		done <- err
	}))
	frame = b.expectOp(protocol.OpMapRemove)
	seq = frame["seq"].(float64)
	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d}`, int64(seq)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remove never completed")
	}
}

// Without quality of service publishes resolve at transmit time, but map
// operations still carry a sequence number and wait for their correlated
// server response.
func TestKVMapAwaitsResponseWithoutQOS(t *testing.T) {
	b := newMockBroker(t, map[string]any{"_qos": "false"})
	c := dialBroker(t, b)
	b.expectLogin()

	kv, err := c.CreateKVMap("sessions")
	require.NoError(t, err)
	b.expectOp(protocol.OpMapCreate)

	values := make(chan *message.Message, 1)
	require.NoError(t, kv.Get("user-7", func(_ string, v *message.Message, err error) {
		require.NoError(t, err)
		values <- v
	}))
	frame := b.expectOp(protocol.OpMapGet)
	seq, ok := frame["seq"].(float64)
	require.True(t, ok, "map operations carry a sequence number even without qos")

	select {
	case <-values:
		t.Fatal("map get resolved before the server responded")
	case <-time.After(200 * time.Millisecond):
	}

	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d,"value":{"state":"active"}}`, int64(seq)))
	select {
	case v := <-values:
		require.NotNil(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("map get never completed")
	}
}

func TestKVMapServerError(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	kv, err := c.CreateKVMap("sessions")
	require.NoError(t, err)
	b.expectOp(protocol.OpMapCreate)

	errs := make(chan error, 1)
	require.NoError(t, kv.Get("user-7", func(_ string, _ *message.Message, err error) {
		errs <- err
	}))
	frame := b.expectOp(protocol.OpMapGet)
	seq := frame["seq"].(float64)
	b.sendRaw(fmt.Sprintf(`{"op":26,"seq":%d,"err":14,"reason":"map not found"}`, int64(seq)))
	select {
	case err := <-errs:
		var protoErr *client.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Contains(t, protoErr.Reason, "map not found")
	case <-time.After(2 * time.Second):
		t.Fatal("error never surfaced")
	}
}

func TestKVMapValidation(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	_, err := c.CreateKVMap("")
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	kv, err := c.CreateKVMap("sessions")
	require.NoError(t, err)
	assert.ErrorIs(t, kv.Set("", message.New(), nil), client.ErrInvalidArgument)
	assert.ErrorIs(t, kv.Set("k", nil, nil), client.ErrInvalidArgument)
	assert.ErrorIs(t, kv.Get("k", nil), client.ErrInvalidArgument)
	assert.ErrorIs(t, kv.Remove("", nil), client.ErrInvalidArgument)
}
