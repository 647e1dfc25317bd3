// pkg/client/ops.go
package client

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

// Publish sends a one-to-many message. When a handler is supplied it resolves
// once the server acknowledges the message (or immediately after transmission
// when the session runs without quality of service). handler may be nil.
func (c *Connection) Publish(msg *message.Message, handler CompletionHandler) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seqNum++
	seq := c.seqNum

	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpMessage)
	env.SetMessage(protocol.FieldBody, msg)
	if c.qos {
		env.SetLong(protocol.FieldSeqNum, seq)
	}
	text, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.checkSize(text); err != nil {
		return err
	}

	req := &publishRequest{seq: seq, envelope: text, msg: msg, handler: handler}
	c.requests.add(req)
	c.queue <- queueEntry{req: req}
	return nil
}

// SendRequest publishes a request message and waits (asynchronously) for the
// correlated reply. The handler resolves with the reply body, a server error,
// or a timeout error if no reply arrives within timeout. Requires server
// protocol version 1.
func (c *Connection) SendRequest(msg *message.Message, timeout time.Duration, handler ReplyHandler) error {
	if msg == nil || handler == nil || timeout <= 0 {
		return fmt.Errorf("%w: request needs a message, handler and positive timeout", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.protocolVersion < 1 {
		return ErrNotSupported
	}
	c.seqNum++
	seq := c.seqNum

	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpRequest)
	// Correlation needs the sequence number even without quality of service.
	env.SetLong(protocol.FieldSeqNum, seq)
	env.SetMessage(protocol.FieldBody, msg)
	text, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.checkSize(text); err != nil {
		return err
	}

	req := &replyRequest{seq: seq, envelope: text, msg: msg, handler: handler}
	c.requests.add(req)
	req.setTimer(time.AfterFunc(timeout, func() {
		if entry, ok := c.requests.remove(seq); ok {
			entry.fail(&Error{Code: CodeRequestTimeout, Reason: "request timeout"})
		}
	}))
	c.queue <- queueEntry{req: req}
	return nil
}

// SendReply answers a request message previously delivered to a
// subscription. request must carry reply-to metadata. handler may be nil.
// Requires server protocol version 1.
func (c *Connection) SendReply(reply, request *message.Message, handler CompletionHandler) error {
	if reply == nil || request == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	receipt := request.Receipt()
	if receipt.ReplyTo == "" {
		return fmt.Errorf("%w: message is not a request", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.protocolVersion < 1 {
		return ErrNotSupported
	}
	c.seqNum++
	seq := c.seqNum

	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpReply)
	env.SetLong(protocol.FieldSeqNum, seq)
	env.SetString(protocol.FieldTo, receipt.ReplyTo)
	env.SetLong(protocol.FieldReqID, receipt.RequestID)
	env.SetMessage(protocol.FieldBody, reply)
	text, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.checkSize(text); err != nil {
		return err
	}

	req := &publishRequest{seq: seq, envelope: text, msg: reply, handler: handler}
	c.requests.add(req)
	c.queue <- queueEntry{req: req}
	return nil
}

// Subscribe registers interest matching the content matcher expression. The
// returned subscription id is usable immediately, before the server confirms.
// A durable name makes the interest and delivery position survive
// disconnects. Recognized properties include "ack" ("auto", "client",
// "none"); unknown properties are forwarded to the server.
func (c *Connection) Subscribe(matcher, durable string, props map[string]any, listener SubscriptionListener) (string, error) {
	if !c.connected.Load() {
		return "", ErrNotConnected
	}

	id := strconv.FormatInt(atomic.AddInt64(&c.lastSubID, 1), 10)
	ackMode := AckAuto
	if v, ok := props[protocol.FieldAck].(string); ok {
		switch AckMode(v) {
		case AckAuto, AckClient, AckNone:
			ackMode = AckMode(v)
		default:
			return "", fmt.Errorf("%w: ack mode %q", ErrInvalidArgument, v)
		}
	}
	sub := &Subscription{
		id:         id,
		matcher:    matcher,
		durable:    durable,
		ackMode:    ackMode,
		properties: props,
		listener:   listener,
		pending:    true,
	}
	c.subs.add(sub)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	text, err := protocol.Marshal(c.subscribeEnvelope(sub))
	if err != nil {
		c.subs.remove(id)
		return "", err
	}
	c.queue <- queueEntry{req: &publishRequest{envelope: text}}
	return id, nil
}

func (c *Connection) subscribeEnvelope(sub *Subscription) *message.Message {
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpSubscribe)
	env.SetString(protocol.FieldID, sub.id)
	if sub.matcher != "" {
		env.SetString(protocol.FieldMatcher, sub.matcher)
	}
	if sub.durable != "" {
		env.SetString(protocol.FieldDurable, sub.durable)
	}
	for k, v := range sub.properties {
		if k == "" {
			continue
		}
		if err := env.Set(k, v); err != nil {
			c.config.logger.Debug("skipping subscription property", "name", k, "err", err)
		}
	}
	return env
}

// Unsubscribe removes a subscription. For a durable subscription the server
// discards its retained state as well.
func (c *Connection) Unsubscribe(id string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if _, ok := c.subs.remove(id); !ok {
		return nil
	}
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpUnsubscribe)
	env.SetString(protocol.FieldID, id)
	return c.enqueueBare(env)
}

// UnsubscribeAll removes every subscription.
func (c *Connection) UnsubscribeAll() error {
	for _, sub := range c.subs.all() {
		if err := c.Unsubscribe(sub.id); err != nil {
			return err
		}
	}
	return nil
}

// CloseSubscription stops delivery for a subscription without discarding the
// server's retained durable state; a later subscribe with the same durable
// name resumes where it left off. Requires server protocol version 1.
func (c *Connection) CloseSubscription(id string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	supported := c.protocolVersion >= 1
	c.writeMu.Unlock()
	if !supported {
		return ErrNotSupported
	}
	if _, ok := c.subs.remove(id); !ok {
		return nil
	}
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpUnsubscribe)
	env.SetString(protocol.FieldID, id)
	env.SetBool(protocol.FieldDelete, false)
	return c.enqueueBare(env)
}

// CloseAllSubscriptions closes every subscription, keeping durable state.
// Requires server protocol version 1.
func (c *Connection) CloseAllSubscriptions() error {
	for _, sub := range c.subs.all() {
		if err := c.CloseSubscription(sub.id); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge acknowledges one message delivered on a client-acknowledged
// subscription.
func (c *Connection) Acknowledge(msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	receipt := msg.Receipt()
	if receipt.SeqNum == 0 {
		return fmt.Errorf("%w: message carries no delivery sequence number", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.sendAck(receipt.SeqNum, "")
}

// AcknowledgeAll acknowledges the message and, in the same round-trip, every
// earlier unacknowledged message on its subscription.
func (c *Connection) AcknowledgeAll(msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	receipt := msg.Receipt()
	if receipt.SeqNum == 0 {
		return fmt.Errorf("%w: message carries no delivery sequence number", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.sendAck(receipt.SeqNum, receipt.SubscriptionID)
}

func (c *Connection) sendAck(seq int64, subscriptionID string) error {
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpAck)
	env.SetLong(protocol.FieldSeqNum, seq)
	if subscriptionID != "" {
		env.SetString(protocol.FieldID, subscriptionID)
	}
	return c.enqueueBare(env)
}

// enqueueBare submits an unsequenced envelope onto the outbound queue.
func (c *Connection) enqueueBare(env *message.Message) error {
	text, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.queue == nil {
		return ErrNotConnected
	}
	c.queue <- queueEntry{req: &publishRequest{envelope: text}}
	return nil
}
