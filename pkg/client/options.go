// pkg/client/options.go
package client

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultReconnectAttempts = 256
	defaultReconnectMaxDelay = 30 * time.Second
	defaultMaxPendingAcks    = 0 // unlimited
	defaultQueueDepth        = 64
)

type connConfig struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	username          string
	password          string
	clientID          string
	connectTimeout    time.Duration
	reconnectAttempts int
	reconnectMaxDelay time.Duration
	maxPendingAcks    int
	loginProperties   map[string]any
	listener          ConnectionListener
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions, e.g. for TLS trust
// configuration or a custom HTTP client. The sub-protocol is always set by
// the connection.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Connection) {
		c.config.dialOptions = opts
	}
}

// WithAuth sets the username and password presented at login. Credentials in
// the URL's user-info section take precedence for the URL they appear on.
func WithAuth(username, password string) Option {
	return func(c *Connection) {
		c.config.username = username
		c.config.password = password
	}
}

// WithClientID requests a specific client identifier at login. Without it a
// generated identifier is requested and the server-assigned one is used.
func WithClientID(id string) Option {
	return func(c *Connection) {
		c.config.clientID = id
	}
}

// WithConnectTimeout bounds the transport dial plus login handshake.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		if timeout > 0 {
			c.config.connectTimeout = timeout
		}
	}
}

// WithAutoReconnect tunes the automatic reconnect policy: the maximum number
// of attempts after a drop, and the cap on the exponential backoff delay.
func WithAutoReconnect(maxAttempts int, maxDelay time.Duration) Option {
	return func(c *Connection) {
		if maxAttempts >= 0 {
			c.config.reconnectAttempts = maxAttempts
		}
		if maxDelay > 0 {
			c.config.reconnectMaxDelay = maxDelay
		}
	}
}

// WithMaxPendingAcks hints the server how many unacknowledged messages it may
// have outstanding per subscription. Zero means unlimited.
func WithMaxPendingAcks(n int) Option {
	return func(c *Connection) {
		if n >= 0 {
			c.config.maxPendingAcks = n
		}
	}
}

// WithLoginProperties supplies custom properties for the login envelope's
// options sub-object. Username, password and client id are ignored here;
// they are placed at the envelope top level by their own options.
func WithLoginProperties(props map[string]any) Option {
	return func(c *Connection) {
		c.config.loginProperties = props
	}
}

// WithListener sets the connection-level lifecycle listener.
func WithListener(listener ConnectionListener) Option {
	return func(c *Connection) {
		c.config.listener = listener
	}
}
