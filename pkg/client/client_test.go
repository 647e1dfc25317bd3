// pkg/client/client_test.go
package client_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-eftl/pkg/client"
	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

// mockBroker is a minimal server speaking the wire protocol. It answers each
// login with a welcome and exposes every other inbound frame on a channel.
type mockBroker struct {
	t      *testing.T
	server *httptest.Server
	wsURL  string

	mu          sync.Mutex
	conn        *websocket.Conn
	welcomeGate chan struct{} // when set, welcomes wait until it is closed

	welcome map[string]any // merged over the default welcome fields

	logins chan map[string]any
	frames chan map[string]any
}

func newMockBroker(t *testing.T, welcome map[string]any) *mockBroker {
	t.Helper()
	b := &mockBroker{
		t:       t,
		welcome: welcome,
		logins:  make(chan map[string]any, 4),
		frames:  make(chan map[string]any, 64),
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{protocol.SubProtocol},
		})
		if err != nil {
			b.t.Logf("mockBroker: accept error: %v", err)
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				b.t.Logf("mockBroker: bad frame %q: %v", data, err)
				continue
			}
			if op, _ := frame["op"].(float64); op == protocol.OpLogin {
				b.logins <- frame
				b.mu.Lock()
				gate := b.welcomeGate
				b.mu.Unlock()
				if gate != nil {
					<-gate
				}
				b.sendWelcome()
				continue
			}
			select {
			case b.frames <- frame:
			case <-time.After(2 * time.Second):
				b.t.Logf("mockBroker: frame channel full, dropping")
			}
		}
	}))
	b.wsURL = "ws" + strings.TrimPrefix(b.server.URL, "http")
	t.Cleanup(b.Close)
	return b
}

func (b *mockBroker) sendWelcome() {
	fields := map[string]any{
		"op":        protocol.OpWelcome,
		"protocol":  1,
		"client_id": "client-1",
		"id_token":  "token-1",
		"max_size":  65536,
		"_qos":      "true",
		"timeout":   600.0,
	}
	for k, v := range b.welcome {
		fields[k] = v
	}
	b.send(fields)
}

func (b *mockBroker) send(fields map[string]any) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		b.t.Logf("mockBroker: no connection to send on")
		return
	}
	data, err := json.Marshal(fields)
	require.NoError(b.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		b.t.Logf("mockBroker: write error: %v", err)
	}
}

func (b *mockBroker) sendRaw(text string) {
	var fields map[string]any
	require.NoError(b.t, json.Unmarshal([]byte(text), &fields))
	b.send(fields)
}

// expectOp reads inbound frames, skipping unrelated ones, until one with the
// given op code arrives.
func (b *mockBroker) expectOp(op int) map[string]any {
	b.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-b.frames:
			if got, _ := frame["op"].(float64); int(got) == op {
				return frame
			}
			b.t.Logf("mockBroker: skipping frame %v", frame)
		case <-deadline:
			b.t.Fatalf("timed out waiting for op %d", op)
			return nil
		}
	}
}

func (b *mockBroker) expectLogin() map[string]any {
	b.t.Helper()
	select {
	case frame := <-b.logins:
		return frame
	case <-time.After(5 * time.Second):
		b.t.Fatal("timed out waiting for login")
		return nil
	}
}

// holdWelcomes makes subsequent logins hang mid-handshake until gate closes.
func (b *mockBroker) holdWelcomes(gate chan struct{}) {
	b.mu.Lock()
	b.welcomeGate = gate
	b.mu.Unlock()
}

func (b *mockBroker) closeConn(code websocket.StatusCode, reason string) {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close(code, reason)
	}
}

func (b *mockBroker) Close() {
	b.closeConn(websocket.StatusGoingAway, "mock broker shutting down")
	b.server.Close()
}

func dialBroker(t *testing.T, b *mockBroker, opts ...client.Option) *client.Connection {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(testLogger)}, opts...)
	c, err := client.Connect(b.wsURL, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectLoginWelcome(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b, client.WithAuth("user", "secret"))

	login := b.expectLogin()
	assert.Equal(t, "user", login["user"])
	assert.Equal(t, "secret", login["password"])
	assert.NotEmpty(t, login["client_id"])
	opts, ok := login["login_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "true", opts["_qos"])
	_, resuming := opts["_resume"]
	assert.False(t, resuming, "initial connect must not claim a resume")

	assert.True(t, c.IsConnected())
	assert.Equal(t, "client-1", c.ClientID())
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := client.Connect("   ")
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestOnConnectFiresOnceOnFirstWelcome(t *testing.T) {
	b := newMockBroker(t, nil)
	connects := make(chan struct{}, 2)
	dialBroker(t, b, client.WithListener(client.ConnectionListener{
		OnConnect: func(*client.Connection) { connects <- struct{}{} },
	}))

	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect did not fire")
	}
	select {
	case <-connects:
		t.Fatal("OnConnect fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishAck(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	msg := message.New()
	require.NoError(t, msg.SetString("text", "hello"))

	done := make(chan error, 1)
	require.NoError(t, c.Publish(msg, func(m *message.Message, err error) {
		assert.Same(t, msg, m)
		done <- err
	}))

	frame := b.expectOp(protocol.OpMessage)
	assert.Equal(t, 1.0, frame["seq"])
	body, ok := frame["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", body["text"])

	b.sendRaw(`{"op":9,"seq":1}`)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish ack never resolved")
	}
}

func TestPublishErrorAck(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	done := make(chan error, 1)
	msg := message.New()
	msg.SetString("text", "rejected")
	require.NoError(t, c.Publish(msg, func(_ *message.Message, err error) { done <- err }))
	b.expectOp(protocol.OpMessage)

	b.sendRaw(`{"op":9,"seq":1,"err":12,"reason":"not authorized"}`)
	select {
	case err := <-done:
		var protoErr *client.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, int64(12), protoErr.Code)
		assert.Equal(t, "not authorized", protoErr.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("publish error never resolved")
	}
}

func TestSequenceMonotonicityOnWire(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()

	const n = 8
	for i := 0; i < n; i++ {
		msg := message.New()
		msg.SetLong("i", int64(i))
		require.NoError(t, c.Publish(msg, nil))
	}

	for i := 0; i < n; i++ {
		frame := b.expectOp(protocol.OpMessage)
		assert.Equal(t, float64(i+1), frame["seq"], "wire order must equal sequence order")
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	b := newMockBroker(t, nil)
	c := dialBroker(t, b)
	b.expectLogin()
	c.Disconnect()
	b.expectOp(protocol.OpDisconnect)

	err := c.Publish(message.New(), nil)
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestMaxMessageSizeEnforced(t *testing.T) {
	b := newMockBroker(t, map[string]any{"max_size": 40})
	c := dialBroker(t, b)
	b.expectLogin()

	msg := message.New()
	msg.SetString("payload", strings.Repeat("x", 100))
	err := c.Publish(msg, nil)
	assert.ErrorIs(t, err, client.ErrMessageTooBig)
}

func TestQOSDisabledResolvesOnTransmit(t *testing.T) {
	b := newMockBroker(t, map[string]any{"_qos": "false"})
	c := dialBroker(t, b)
	b.expectLogin()

	done := make(chan error, 1)
	msg := message.New()
	msg.SetString("text", "fire and forget")
	require.NoError(t, c.Publish(msg, func(_ *message.Message, err error) { done <- err }))

	frame := b.expectOp(protocol.OpMessage)
	_, hasSeq := frame["seq"]
	assert.False(t, hasSeq, "no sequence number on the wire without qos")

	// No ack is ever sent; the writer resolves the publish locally.
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never resolved without qos")
	}
}

func TestDisconnect(t *testing.T) {
	b := newMockBroker(t, nil)
	disconnects := make(chan error, 1)
	c := dialBroker(t, b, client.WithListener(client.ConnectionListener{
		OnDisconnect: func(_ *client.Connection, err error) { disconnects <- err },
	}))
	b.expectLogin()

	c.Disconnect()
	b.expectOp(protocol.OpDisconnect)

	select {
	case err := <-disconnects:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	assert.False(t, c.IsConnected())

	// Idempotent: a second disconnect does nothing.
	c.Disconnect()
}

func TestUnsolicitedErrorSurfacesAtConnectionLevel(t *testing.T) {
	b := newMockBroker(t, nil)
	errs := make(chan error, 1)
	dialBroker(t, b, client.WithListener(client.ConnectionListener{
		OnError: func(_ *client.Connection, err error) { errs <- err },
	}))
	b.expectLogin()

	b.sendRaw(`{"op":10,"err":7,"reason":"broker unhappy"}`)
	select {
	case err := <-errs:
		var protoErr *client.Error
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, int64(7), protoErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("connection-level error never surfaced")
	}
}

func TestHeartbeatEchoedVerbatim(t *testing.T) {
	b := newMockBroker(t, nil)
	dialBroker(t, b)
	b.expectLogin()

	b.sendRaw(`{"op":0}`)
	frame := b.expectOp(protocol.OpHeartbeat)
	assert.Equal(t, 0.0, frame["op"])
}
