// pkg/protocol/protocol.go
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/lightforgemedia/go-eftl/pkg/message"
)

// SubProtocol is the WebSocket sub-protocol identifier negotiated at dial.
const SubProtocol = "v1.eftl.lightforgemedia.com"

// Version is the protocol version this client speaks. Servers announce their
// own version in the welcome envelope; operations introduced after version 0
// (request/reply, closing a durable subscription) require the negotiated
// version to be at least 1.
const Version = 1

// ClientType and ClientVersion identify this implementation in the login envelope.
const (
	ClientType    = "go"
	ClientVersion = "1.1.0"
)

// Envelope op codes.
const (
	OpHeartbeat    = 0
	OpLogin        = 1
	OpWelcome      = 2
	OpSubscribe    = 3
	OpSubscribed   = 4
	OpUnsubscribe  = 5
	OpUnsubscribed = 6
	OpEvent        = 7
	OpMessage      = 8
	OpAck          = 9
	OpError        = 10
	OpDisconnect   = 11
	OpRequest      = 13
	OpRequestReply = 14
	OpReply        = 15
	OpMapCreate    = 16
	OpMapDestroy   = 18
	OpMapSet       = 20
	OpMapGet       = 22
	OpMapRemove    = 24
	OpMapResponse  = 26
)

// Envelope field tokens.
const (
	FieldOp             = "op"
	FieldUser           = "user"
	FieldPassword       = "password"
	FieldClientID       = "client_id"
	FieldClientType     = "client_type"
	FieldClientVersion  = "client_version"
	FieldHeartbeat      = "heartbeat"
	FieldTimeout        = "timeout"
	FieldMaxSize        = "max_size"
	FieldMatcher        = "matcher"
	FieldDurable        = "durable"
	FieldAck            = "ack"
	FieldError          = "err"
	FieldReason         = "reason"
	FieldID             = "id"
	FieldIDs            = "ids"
	FieldMsg            = "msg"
	FieldTo             = "to"
	FieldReplyTo        = "reply_to"
	FieldBody           = "body"
	FieldSeqNum         = "seq"
	FieldReqID          = "req"
	FieldStoreID        = "sid"
	FieldDeliveryCount  = "cnt"
	FieldResume         = "_resume"
	FieldLoginOptions   = "login_options"
	FieldIDToken        = "id_token"
	FieldQOS            = "_qos"
	FieldMap            = "map"
	FieldKey            = "key"
	FieldDelete         = "del"
	FieldValue          = "value"
	FieldProtocol       = "protocol"
	FieldMaxPendingAcks = "max_pending_acks"
)

// Marshal serializes an envelope to its wire text.
func Marshal(env *message.Message) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return string(data), nil
}

// Parse decodes one inbound frame into an envelope.
func Parse(data []byte) (*message.Message, error) {
	env := message.New()
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	return env, nil
}

// Op returns the envelope's op code, or -1 if absent.
func Op(env *message.Message) int64 {
	op, ok := env.Long(FieldOp)
	if !ok {
		return -1
	}
	return op
}
