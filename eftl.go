// eftl.go
package eftl

import (
	"github.com/lightforgemedia/go-eftl/pkg/client"
	"github.com/lightforgemedia/go-eftl/pkg/message"
)

// Re-export core types
type (
	Connection           = client.Connection
	Option               = client.Option
	ConnectionListener   = client.ConnectionListener
	Subscription         = client.Subscription
	SubscriptionListener = client.SubscriptionListener
	AckMode              = client.AckMode
	CompletionHandler    = client.CompletionHandler
	ReplyHandler         = client.ReplyHandler
	KeyValueHandler      = client.KeyValueHandler
	KVMap                = client.KVMap
	Message              = message.Message
	Receipt              = message.Receipt
	Error                = client.Error
)

// Re-export acknowledge modes
const (
	AckAuto   = client.AckAuto
	AckClient = client.AckClient
	AckNone   = client.AckNone
)

// Re-export option constructors
var (
	WithLogger          = client.WithLogger
	WithDialOptions     = client.WithDialOptions
	WithAuth            = client.WithAuth
	WithClientID        = client.WithClientID
	WithConnectTimeout  = client.WithConnectTimeout
	WithAutoReconnect   = client.WithAutoReconnect
	WithMaxPendingAcks  = client.WithMaxPendingAcks
	WithLoginProperties = client.WithLoginProperties
	WithListener        = client.WithListener
)

// Re-export error values
var (
	ErrNotConnected    = client.ErrNotConnected
	ErrMessageTooBig   = client.ErrMessageTooBig
	ErrNotSupported    = client.ErrNotSupported
	ErrInvalidArgument = client.ErrInvalidArgument
)

// Connect opens a connection to the server and completes the login
// handshake. The URL may carry multiple candidate servers separated by "|".
func Connect(url string, opts ...client.Option) (*Connection, error) {
	return client.Connect(url, opts...)
}

// NewMessage creates an empty structured message.
func NewMessage() *Message {
	return message.New()
}
