// pkg/client/dispatch.go
package client

import (
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

// dispatch demultiplexes one inbound frame by op code. The transport
// delivers frames serially, so handlers never run concurrently with each
// other.
func (c *Connection) dispatch(data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		c.config.logger.Debug("dropping unparseable frame", "err", err)
		return
	}
	switch protocol.Op(env) {
	case protocol.OpHeartbeat:
		// Heartbeats are answered by verbatim echo through the write path
		// and never surface to the application.
		c.echoHeartbeat(string(data))
	case protocol.OpWelcome:
		c.handleWelcome(env)
	case protocol.OpSubscribed:
		c.handleSubscribed(env)
	case protocol.OpUnsubscribed:
		c.handleUnsubscribed(env)
	case protocol.OpEvent:
		c.handleMessage(env)
	case protocol.OpAck:
		c.handleAck(env)
	case protocol.OpRequestReply:
		c.handleReply(env)
	case protocol.OpMapResponse:
		c.handleMapResponse(env)
	case protocol.OpError:
		code, _ := env.Long(protocol.FieldError)
		reason, _ := env.String(protocol.FieldReason)
		c.notifyError(&Error{Code: code, Reason: reason})
	default:
		c.config.logger.Debug("unknown op code", "op", protocol.Op(env))
	}
}

func (c *Connection) echoHeartbeat(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.queue == nil || !c.connected.Load() {
		return
	}
	c.queue <- queueEntry{req: &publishRequest{envelope: text}}
}

// handleWelcome finalizes the login handshake and repairs session state
// after a reconnect. The repair sequence runs under the write-serialization
// lock so no caller can interleave a freshly sequenced request mid-repair.
func (c *Connection) handleWelcome(env *message.Message) {
	if c.userDisconnect.Load() {
		// A Disconnect raced this login attempt; the user's intent wins.
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "disconnect")
		}
		c.signalHandshake(&Error{Code: CodeDisconnected, Reason: "disconnected"})
		return
	}

	c.writeMu.Lock()

	prevToken := c.reconnectToken
	if v, ok := env.Long(protocol.FieldProtocol); ok {
		c.protocolVersion = v
	} else {
		c.protocolVersion = 0
	}
	if v, ok := env.String(protocol.FieldClientID); ok {
		c.clientID = v
	}
	if v, ok := env.String(protocol.FieldIDToken); ok {
		c.reconnectToken = v
	}
	if v, ok := env.Long(protocol.FieldMaxSize); ok {
		c.maxMessageSize = v
	}
	qos, _ := env.Bool(protocol.FieldQOS)
	c.qos = qos
	if secs, ok := env.Double(protocol.FieldTimeout); ok {
		c.serverTimeout = time.Duration(secs * float64(time.Second))
	}
	resumed, _ := env.Bool(protocol.FieldResume)

	c.connected.Store(true)
	c.tornDown.Store(false)
	c.attempts = 0
	c.urlIndex = 0 // future reconnects start from the first URL again

	subs := c.subs.all()
	pending := c.requests.pending()

	// Anything still queued was meant for the previous transport; a fresh
	// queue purges it and the repair below re-enqueues what still matters.
	queue := make(chan queueEntry, defaultQueueDepth+len(subs)+len(pending))
	c.queue = queue
	c.connMu.RLock()
	conn, pumpCtx := c.conn, c.pumpCtx
	c.connMu.RUnlock()
	go c.writeLoop(pumpCtx, conn, queue, qos)

	for _, sub := range subs {
		if !resumed {
			// The server did not resume the session: drop the dedup floor so
			// its retained redeliveries are not skipped.
			sub.setLastSeq(0)
		}
		// Awaiting a fresh confirmation on the new transport.
		sub.setPending(true)
		text, err := protocol.Marshal(c.subscribeEnvelope(sub))
		if err != nil {
			c.config.logger.Debug("re-subscribe marshal failed", "subscription", sub.id, "err", err)
			continue
		}
		queue <- queueEntry{req: &publishRequest{envelope: text}}
	}
	for _, req := range pending {
		queue <- queueEntry{req: req}
	}
	c.writeMu.Unlock()

	wasAutomatic := c.reconnecting.Swap(false)
	switch {
	case prevToken == "":
		if cb := c.config.listener.OnConnect; cb != nil {
			cb(c)
		}
	case !wasAutomatic:
		if cb := c.config.listener.OnReconnect; cb != nil {
			cb(c)
		}
	}
	c.signalHandshake(nil)
}

func (c *Connection) handleSubscribed(env *message.Message) {
	id, ok := env.String(protocol.FieldID)
	if !ok {
		return
	}
	sub, ok := c.subs.get(id)
	if !ok || !sub.isPending() {
		return
	}
	sub.setPending(false)
	if cb := sub.listener.OnSubscribe; cb != nil {
		cb(id)
	}
}

func (c *Connection) handleUnsubscribed(env *message.Message) {
	id, ok := env.String(protocol.FieldID)
	if !ok {
		return
	}
	code, _ := env.Long(protocol.FieldError)
	reason, _ := env.String(protocol.FieldReason)

	if code == CodeSubscriptionInvalid {
		// The subscription can never be repaired; drop it for good.
		if sub, ok := c.subs.remove(id); ok {
			if cb := sub.listener.OnError; cb != nil {
				cb(id, &Error{Code: code, Reason: reason})
			}
		}
		return
	}
	if sub, ok := c.subs.get(id); ok {
		// Mark it pending again so the next welcome re-subscribes it.
		sub.setPending(true)
		if cb := sub.listener.OnError; cb != nil {
			cb(id, &Error{Code: code, Reason: reason})
		}
	}
}

// handleMessage runs the delivery/ack algorithm for one inbound event. It
// holds the inbound-processing lock so a concurrent Disconnect cannot tear
// the session down mid-delivery.
func (c *Connection) handleMessage(env *message.Message) {
	c.processMu.Lock()
	defer c.processMu.Unlock()

	to, ok := env.String(protocol.FieldTo)
	if !ok {
		return
	}
	sub, ok := c.subs.get(to)
	if !ok {
		// Already unsubscribed; drop silently.
		return
	}

	seq, hasSeq := env.Long(protocol.FieldSeqNum)
	body, ok := env.Message(protocol.FieldBody)
	if !ok {
		body = message.New()
	}

	// Deliver unless the dedup guard says this sequence was already seen.
	if !hasSeq || seq > sub.lastSeq() {
		receipt := message.Receipt{SeqNum: seq, SubscriptionID: to}
		if replyTo, ok := env.String(protocol.FieldReplyTo); ok {
			receipt.ReplyTo = replyTo
			receipt.RequestID, _ = env.Long(protocol.FieldReqID)
		}
		receipt.StoreMessageID, _ = env.Long(protocol.FieldStoreID)
		receipt.DeliveryCount, _ = env.Long(protocol.FieldDeliveryCount)
		body.SetReceipt(receipt)

		if sub.ackMode == AckAuto && hasSeq {
			sub.setLastSeq(seq)
		}
		c.deliver(sub, body)
	}

	// A deduped redelivery still gets acked so the server stops
	// retransmitting it.
	if sub.ackMode == AckAuto && hasSeq {
		if err := c.sendAck(seq, ""); err != nil {
			c.config.logger.Debug("auto-ack failed", "seq", seq, "err", err)
		}
	}
}

// deliver invokes the application listener, isolating the dispatcher from
// panics raised inside it.
func (c *Connection) deliver(sub *Subscription, msg *message.Message) {
	if sub.listener.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.config.logger.Debug("message listener panicked", "subscription", sub.id, "panic", r)
		}
	}()
	sub.listener.OnMessage(msg)
}

func (c *Connection) handleAck(env *message.Message) {
	seq, ok := env.Long(protocol.FieldSeqNum)
	if !ok {
		return
	}
	code, hasErr := env.Long(protocol.FieldError)
	reason, _ := env.String(protocol.FieldReason)

	if entry, ok := c.requests.remove(seq); ok {
		if hasErr && code != 0 {
			entry.fail(&Error{Code: code, Reason: reason})
		} else {
			entry.complete(nil)
		}
		return
	}
	if hasErr && code != 0 {
		// Error ack with no matching request surfaces at connection level.
		c.notifyError(&Error{Code: code, Reason: reason})
	}
}

func (c *Connection) handleReply(env *message.Message) {
	seq, ok := env.Long(protocol.FieldSeqNum)
	if !ok {
		return
	}
	entry, ok := c.requests.remove(seq)
	if !ok {
		// Already resolved, e.g. by the timeout.
		return
	}
	if code, hasErr := env.Long(protocol.FieldError); hasErr && code != 0 {
		reason, _ := env.String(protocol.FieldReason)
		entry.fail(&Error{Code: code, Reason: reason})
		return
	}
	body, ok := env.Message(protocol.FieldBody)
	if !ok {
		body = message.New()
	}
	entry.complete(body)
}

func (c *Connection) handleMapResponse(env *message.Message) {
	seq, ok := env.Long(protocol.FieldSeqNum)
	if !ok {
		return
	}
	entry, ok := c.requests.remove(seq)
	if !ok {
		return
	}
	if code, hasErr := env.Long(protocol.FieldError); hasErr && code != 0 {
		reason, _ := env.String(protocol.FieldReason)
		entry.fail(&Error{Code: code, Reason: reason})
		return
	}
	value, _ := env.Message(protocol.FieldValue)
	entry.complete(value)
}
