// pkg/client/listener.go
package client

import (
	"github.com/lightforgemedia/go-eftl/pkg/message"
)

// ConnectionListener receives connection-level lifecycle events. All funcs
// are optional; a nil func is simply not invoked. Callbacks run on internal
// goroutines and must not block.
type ConnectionListener struct {
	// OnConnect fires once, on the first-ever successful login handshake.
	OnConnect func(c *Connection)

	// OnReconnect fires when a user-initiated Reconnect completes its login
	// handshake. A fully automatic background reconnect does not fire it.
	OnReconnect func(c *Connection)

	// OnDisconnect fires when the connection is terminally down: a
	// user-initiated Disconnect, an ineligible close code, or exhausted
	// reconnect attempts.
	OnDisconnect func(c *Connection, err error)

	// OnError receives unsolicited server errors that match no pending
	// request, and transport errors observed outside a connect call.
	OnError func(c *Connection, err error)
}

// SubscriptionListener receives events for one subscription.
type SubscriptionListener struct {
	// OnMessage delivers one inbound message. The message carries a receipt
	// usable with Acknowledge/AcknowledgeAll.
	OnMessage func(msg *message.Message)

	// OnSubscribe fires when the server confirms the subscription.
	OnSubscribe func(id string)

	// OnError fires when the server rejects the subscription.
	OnError func(id string, err error)
}

// CompletionHandler resolves a publish or reply operation. On success msg is
// the originally published message and err is nil; exactly one call is made.
type CompletionHandler func(msg *message.Message, err error)

// ReplyHandler resolves a SendRequest with the reply body, or with an error
// (including a timeout). Exactly one call is made.
type ReplyHandler func(reply *message.Message, err error)

// KeyValueHandler resolves a key/value map operation. For Get, value is the
// stored message or nil if the key is absent.
type KeyValueHandler func(key string, value *message.Message, err error)
