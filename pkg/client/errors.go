// pkg/client/errors.go
package client

import (
	"errors"
	"fmt"
)

// Usage errors surfaced synchronously to the caller.
var (
	ErrNotConnected    = errors.New("client: not connected")
	ErrMessageTooBig   = errors.New("client: message exceeds the maximum message size")
	ErrNotSupported    = errors.New("client: operation not supported by the server protocol version")
	ErrInvalidArgument = errors.New("client: invalid argument")
)

// Error codes carried by protocol-level errors and terminal disconnects.
const (
	CodeConnectError            = 1
	CodeDisconnected            = 2
	CodeSubscriptionInvalid     = 22
	CodeSubscriptionsDisallowed = 23
	CodeRequestDisallowed       = 40
	CodeRequestTimeout          = 41
)

// Error is a protocol-level error delivered by the server or synthesized on
// terminal paths, carrying a numeric code and a text reason.
type Error struct {
	Code   int64
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("client: error %d: %s", e.Code, e.Reason)
}
