// pkg/message/message.go
package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrEmptyFieldName is returned when a field is set or read with an empty name.
var ErrEmptyFieldName = errors.New("message: field name cannot be empty")

// ErrUnsupportedType is returned when a value of an unsupported Go type is set.
var ErrUnsupportedType = errors.New("message: unsupported field type")

// Wrapper keys for JSON types that are otherwise ambiguous on the wire.
// A double is wrapped so it survives as a double even when its value is
// integral; a date travels as epoch milliseconds; opaque bytes travel base64.
const (
	doubleKey = "_d_"
	dateKey   = "_m_"
	opaqueKey = "_o_"
)

// Receipt carries the delivery metadata stamped onto an inbound message by
// the dispatcher. It is not part of the application field set and never
// round-trips through the JSON codec.
type Receipt struct {
	SeqNum         int64
	SubscriptionID string
	ReplyTo        string
	RequestID      int64
	StoreMessageID int64
	DeliveryCount  int64
}

// Message is a structured key/value document. Field values are one of:
// string, int64, float64, bool, time.Time, []byte, *Message, or a slice of
// string, int64, float64, time.Time or *Message.
type Message struct {
	fields  map[string]any
	receipt Receipt
}

// New creates an empty message.
func New() *Message {
	return &Message{fields: make(map[string]any)}
}

// Set stores a field value, validating the name and type.
func (m *Message) Set(name string, value any) error {
	if name == "" {
		return ErrEmptyFieldName
	}
	switch value.(type) {
	case string, int64, float64, bool, time.Time, []byte, *Message,
		[]string, []int64, []float64, []time.Time, []*Message:
		m.fields[name] = value
		return nil
	case nil:
		delete(m.fields, name)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, value)
	}
}

// Get returns the raw field value.
func (m *Message) Get(name string) (any, bool) {
	v, ok := m.fields[name]
	return v, ok
}

// Remove deletes a field. Removing an absent field is a no-op.
func (m *Message) Remove(name string) {
	delete(m.fields, name)
}

// IsSet reports whether the named field is present.
func (m *Message) IsSet(name string) bool {
	_, ok := m.fields[name]
	return ok
}

// Fields returns the field names in sorted order.
func (m *Message) Fields() []string {
	names := make([]string, 0, len(m.fields))
	for name := range m.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetString stores a string field.
func (m *Message) SetString(name, value string) error { return m.Set(name, value) }

// String returns a string field.
func (m *Message) String(name string) (string, bool) {
	v, ok := m.fields[name].(string)
	return v, ok
}

// SetLong stores an integer field.
func (m *Message) SetLong(name string, value int64) error { return m.Set(name, value) }

// Long returns an integer field. A double field is truncated; protocol
// envelopes carry some counters as either form depending on the peer.
func (m *Message) Long(name string) (int64, bool) {
	switch v := m.fields[name].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// SetDouble stores a floating-point field.
func (m *Message) SetDouble(name string, value float64) error { return m.Set(name, value) }

// Double returns a floating-point field. An integer field is widened.
func (m *Message) Double(name string) (float64, bool) {
	switch v := m.fields[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// SetBool stores a boolean field.
func (m *Message) SetBool(name string, value bool) error { return m.Set(name, value) }

// Bool returns a boolean field. The string forms "true"/"false" are
// accepted since some envelope flags travel as strings.
func (m *Message) Bool(name string) (bool, bool) {
	switch v := m.fields[name].(type) {
	case bool:
		return v, true
	case string:
		if v == "true" {
			return true, true
		}
		if v == "false" {
			return false, true
		}
	}
	return false, false
}

// SetDate stores a timestamp field.
func (m *Message) SetDate(name string, value time.Time) error { return m.Set(name, value) }

// Date returns a timestamp field.
func (m *Message) Date(name string) (time.Time, bool) {
	v, ok := m.fields[name].(time.Time)
	return v, ok
}

// SetOpaque stores a byte-payload field.
func (m *Message) SetOpaque(name string, value []byte) error { return m.Set(name, value) }

// Opaque returns a byte-payload field.
func (m *Message) Opaque(name string) ([]byte, bool) {
	v, ok := m.fields[name].([]byte)
	return v, ok
}

// SetMessage stores a nested message field.
func (m *Message) SetMessage(name string, value *Message) error { return m.Set(name, value) }

// Message returns a nested message field.
func (m *Message) Message(name string) (*Message, bool) {
	v, ok := m.fields[name].(*Message)
	return v, ok
}

// SetReceipt stamps delivery metadata onto the message.
func (m *Message) SetReceipt(r Receipt) {
	m.receipt = r
}

// Receipt returns the delivery metadata stamped onto this message, if any.
func (m *Message) Receipt() Receipt {
	return m.receipt
}

// MarshalJSON encodes the message fields with the wrapper-key conventions.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.encode())
}

func (m *Message) encode() map[string]any {
	out := make(map[string]any, len(m.fields))
	for name, v := range m.fields {
		out[name] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch v := v.(type) {
	case float64:
		if math.IsNaN(v) {
			return map[string]any{doubleKey: "NaN"}
		}
		if math.IsInf(v, 1) {
			return map[string]any{doubleKey: "Infinity"}
		}
		if math.IsInf(v, -1) {
			return map[string]any{doubleKey: "-Infinity"}
		}
		return map[string]any{doubleKey: v}
	case time.Time:
		return map[string]any{dateKey: v.UnixMilli()}
	case []byte:
		return map[string]any{opaqueKey: base64.StdEncoding.EncodeToString(v)}
	case *Message:
		return v.encode()
	case []float64:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = encodeValue(e)
		}
		return out
	case []time.Time:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = encodeValue(e)
		}
		return out
	case []*Message:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e.encode()
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON decodes a JSON object into the message, unwrapping the
// wrapper keys back to their native types.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.fields = make(map[string]any, len(raw))
	for name, rv := range raw {
		v, err := decodeValue(rv)
		if err != nil {
			return fmt.Errorf("message: field %q: %w", name, err)
		}
		if v != nil {
			m.fields[name] = v
		}
	}
	return nil
}

func decodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case 'n': // null
		return nil, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case '{':
		return decodeObject(data)
	case '[':
		return decodeArray(data)
	default:
		return decodeNumber(data)
	}
}

func decodeNumber(data json.RawMessage) (any, error) {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return f, nil
}

func decodeObject(data json.RawMessage) (any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 1 {
		if wrapped, ok := raw[doubleKey]; ok {
			return decodeDouble(wrapped)
		}
		if wrapped, ok := raw[dateKey]; ok {
			var ms int64
			if err := json.Unmarshal(wrapped, &ms); err != nil {
				return nil, err
			}
			return time.UnixMilli(ms), nil
		}
		if wrapped, ok := raw[opaqueKey]; ok {
			var s string
			if err := json.Unmarshal(wrapped, &s); err != nil {
				return nil, err
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	nested := New()
	if err := nested.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return nested, nil
}

func decodeDouble(data json.RawMessage) (any, error) {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("invalid double form %q", s)
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeArray(data json.RawMessage) (any, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []string(nil), nil
	}
	elems := make([]any, len(raw))
	for i, rv := range raw {
		v, err := decodeValue(rv)
		if err != nil {
			return nil, err
		}
		elems[i] = v
	}
	// Arrays are homogeneous on the wire; the first element picks the type.
	switch elems[0].(type) {
	case string:
		out := make([]string, len(elems))
		for i, e := range elems {
			v, ok := e.(string)
			if !ok {
				return nil, errors.New("mixed array element types")
			}
			out[i] = v
		}
		return out, nil
	case int64:
		out := make([]int64, len(elems))
		for i, e := range elems {
			v, ok := e.(int64)
			if !ok {
				return nil, errors.New("mixed array element types")
			}
			out[i] = v
		}
		return out, nil
	case float64:
		out := make([]float64, len(elems))
		for i, e := range elems {
			v, ok := e.(float64)
			if !ok {
				return nil, errors.New("mixed array element types")
			}
			out[i] = v
		}
		return out, nil
	case time.Time:
		out := make([]time.Time, len(elems))
		for i, e := range elems {
			v, ok := e.(time.Time)
			if !ok {
				return nil, errors.New("mixed array element types")
			}
			out[i] = v
		}
		return out, nil
	case *Message:
		out := make([]*Message, len(elems))
		for i, e := range elems {
			v, ok := e.(*Message)
			if !ok {
				return nil, errors.New("mixed array element types")
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported array element type %T", elems[0])
	}
}
