// pkg/client/kvmap.go
package client

import (
	"fmt"

	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

// KVMap is a named key/value map hosted by the server. Values are messages.
type KVMap struct {
	conn *Connection
	name string
}

// CreateKVMap announces a named map to the server and returns a handle for
// its operations.
func (c *Connection) CreateKVMap(name string) (*KVMap, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty map name", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpMapCreate)
	env.SetString(protocol.FieldMap, name)
	if err := c.enqueueBare(env); err != nil {
		return nil, err
	}
	return &KVMap{conn: c, name: name}, nil
}

// RemoveKVMap destroys a named map and all of its entries on the server.
func (c *Connection) RemoveKVMap(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty map name", ErrInvalidArgument)
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpMapDestroy)
	env.SetString(protocol.FieldMap, name)
	return c.enqueueBare(env)
}

// Name returns the map's name.
func (m *KVMap) Name() string { return m.name }

// Set stores value under key. handler, if non-nil, resolves when the server
// acknowledges the operation.
func (m *KVMap) Set(key string, value *message.Message, handler KeyValueHandler) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if value == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidArgument)
	}
	return m.submit(protocol.OpMapSet, key, value, handler)
}

// Get fetches the value under key. The handler receives a nil value when the
// key is absent.
func (m *KVMap) Get(key string, handler KeyValueHandler) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	}
	return m.submit(protocol.OpMapGet, key, nil, handler)
}

// Remove deletes the value under key. handler may be nil.
func (m *KVMap) Remove(key string, handler KeyValueHandler) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	return m.submit(protocol.OpMapRemove, key, nil, handler)
}

func (m *KVMap) submit(op int64, key string, value *message.Message, handler KeyValueHandler) error {
	c := m.conn
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seqNum++
	seq := c.seqNum

	env := message.New()
	env.SetLong(protocol.FieldOp, op)
	env.SetString(protocol.FieldMap, m.name)
	env.SetString(protocol.FieldKey, key)
	if value != nil {
		env.SetMessage(protocol.FieldValue, value)
	}
	// The map response correlates by sequence number, so it is sent even
	// when the session runs without quality of service.
	env.SetLong(protocol.FieldSeqNum, seq)
	text, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.checkSize(text); err != nil {
		return err
	}

	req := &mapRequest{seq: seq, envelope: text, key: key, handler: handler}
	c.requests.add(req)
	c.queue <- queueEntry{req: req}
	return nil
}
