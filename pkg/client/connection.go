// pkg/client/connection.go
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-eftl/pkg/message"
	"github.com/lightforgemedia/go-eftl/pkg/protocol"
)

// Connection is one logical client session to the server. It owns the
// outbound writer, the pending request table and the subscription registry,
// and recovers transparently from transient transport failures.
//
// Multiple connections are fully independent instances; nothing is shared
// process-wide.
type Connection struct {
	config connConfig

	urls     []*url.URL // candidate servers, shuffled once at construction
	urlIndex int        // guarded by writeMu

	// Session state negotiated at login; guarded by writeMu.
	clientID        string
	reconnectToken  string
	protocolVersion int64
	maxMessageSize  int64
	serverTimeout   time.Duration
	qos             bool
	attempts        int

	// State flags. Only one of connecting/connected/reconnecting is true at
	// a time: connecting while a dial+login is outstanding, connected after a
	// welcome, reconnecting while an automatic retry is scheduled or running.
	connecting     atomic.Bool
	connected      atomic.Bool
	reconnecting   atomic.Bool
	userDisconnect atomic.Bool
	tornDown       atomic.Bool // teardown ran; cleared by the next welcome

	connMu     sync.RWMutex
	conn       *websocket.Conn
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	handshake  chan error

	// writeMu is the write-serialization lock: sequence-number assignment,
	// envelope construction, request-table insertion and queue submission are
	// one atomic unit, as is the welcome-time repair sequence.
	writeMu sync.Mutex
	seqNum  int64
	queue   chan queueEntry

	// processMu makes inbound message delivery mutually exclusive with the
	// disconnect teardown path.
	processMu sync.Mutex

	lastSubID int64 // atomic

	timerMu        sync.Mutex
	reconnectTimer *time.Timer

	requests *requestTable
	subs     *subscriptionRegistry
}

// Connect opens a connection and completes the login handshake, blocking
// until the server's welcome or the connect timeout. The URL may list
// multiple candidate servers separated by "|"; the list is shuffled once and
// tried in order.
func Connect(rawURL string, opts ...Option) (*Connection, error) {
	c, err := newConnection(rawURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.connectAnyURL(); err != nil {
		return nil, err
	}
	return c, nil
}

func newConnection(rawURL string, opts ...Option) (*Connection, error) {
	parts := strings.Split(rawURL, "|")
	urls := make([]*url.URL, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("client: invalid URL %q: %w", p, err)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no server URL", ErrInvalidArgument)
	}
	rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })

	c := &Connection{
		config: connConfig{
			logger:            slog.Default(),
			connectTimeout:    defaultConnectTimeout,
			reconnectAttempts: defaultReconnectAttempts,
			reconnectMaxDelay: defaultReconnectMaxDelay,
			maxPendingAcks:    defaultMaxPendingAcks,
		},
		urls:     urls,
		requests: newRequestTable(),
		subs:     newSubscriptionRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.clientID == "" {
		c.config.clientID = uuid.NewString()
	}
	c.clientID = c.config.clientID
	return c, nil
}

// connectAnyURL tries the candidate URLs in order, moving to the next one
// immediately on failure, and returns the last error once the list is
// exhausted without a successful handshake.
func (c *Connection) connectAnyURL() error {
	for {
		err := c.connectOnce()
		if err == nil {
			return nil
		}
		c.writeMu.Lock()
		more := c.urlIndex+1 < len(c.urls)
		if more {
			c.urlIndex++
		}
		c.writeMu.Unlock()
		if !more {
			return err
		}
	}
}

// connectOnce performs one dial + login handshake against the current URL.
// It is idempotent under concurrent invocation via the connecting flag.
func (c *Connection) connectOnce() error {
	if !c.connecting.CompareAndSwap(false, true) {
		return errors.New("client: connect already in progress")
	}
	defer c.connecting.Store(false)

	c.writeMu.Lock()
	u := c.urls[c.urlIndex]
	c.writeMu.Unlock()

	dialOpts := &websocket.DialOptions{}
	if c.config.dialOptions != nil {
		copied := *c.config.dialOptions
		dialOpts = &copied
	}
	dialOpts.Subprotocols = []string{protocol.SubProtocol}

	dialURL := *u
	dialURL.User = nil
	dialCtx, dialCancel := context.WithTimeout(context.Background(), c.config.connectTimeout)
	conn, _, err := websocket.Dial(dialCtx, dialURL.String(), dialOpts)
	dialCancel()
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", dialURL.String(), err)
	}
	conn.SetReadLimit(1 << 20)

	handshake := make(chan error, 1)
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	c.connMu.Lock()
	c.conn = conn
	c.pumpCtx = pumpCtx
	c.pumpCancel = pumpCancel
	c.handshake = handshake
	c.connMu.Unlock()

	go c.readLoop(pumpCtx, conn)

	// Login goes directly onto the transport; the writer loop starts only
	// once the welcome arrives and the queue has been purged.
	login, err := c.loginEnvelope(u)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "login build failed")
		return err
	}
	if err := c.writeFrame(pumpCtx, conn, login); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "login send failed")
		return fmt.Errorf("client: send login: %w", err)
	}

	select {
	case err := <-handshake:
		if err != nil {
			conn.Close(websocket.StatusAbnormalClosure, "login failed")
			return err
		}
		return nil
	case <-time.After(c.config.connectTimeout):
		pumpCancel()
		conn.Close(websocket.StatusAbnormalClosure, "login timeout")
		return errors.New("client: login handshake timed out")
	}
}

func (c *Connection) loginEnvelope(u *url.URL) (string, error) {
	env := message.New()
	env.SetLong(protocol.FieldOp, protocol.OpLogin)
	env.SetLong(protocol.FieldProtocol, protocol.Version)
	env.SetString(protocol.FieldClientType, protocol.ClientType)
	env.SetString(protocol.FieldClientVersion, protocol.ClientVersion)

	username, password := c.config.username, c.config.password
	if u.User != nil {
		username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}
	if username != "" {
		env.SetString(protocol.FieldUser, username)
	}
	if password != "" {
		env.SetString(protocol.FieldPassword, password)
	}

	c.writeMu.Lock()
	clientID, token := c.clientID, c.reconnectToken
	c.writeMu.Unlock()
	env.SetString(protocol.FieldClientID, clientID)
	if token != "" {
		// Resuming a known session: present the reconnect token.
		env.SetString(protocol.FieldIDToken, token)
	}
	if c.config.maxPendingAcks > 0 {
		env.SetLong(protocol.FieldMaxPendingAcks, int64(c.config.maxPendingAcks))
	}

	loginOpts := message.New()
	loginOpts.SetString(protocol.FieldQOS, "true")
	if c.reconnecting.Load() {
		loginOpts.SetString(protocol.FieldResume, "true")
	}
	for k, v := range c.config.loginProperties {
		switch k {
		case protocol.FieldUser, protocol.FieldPassword, protocol.FieldClientID:
			continue // already at top level
		}
		if err := loginOpts.Set(k, v); err != nil {
			return "", fmt.Errorf("client: login property %q: %w", k, err)
		}
	}
	env.SetMessage(protocol.FieldLoginOptions, loginOpts)

	return protocol.Marshal(env)
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		// The server-announced session timeout doubles as a read watchdog:
		// total silence for that long means the connection is lost, and the
		// timed-out read funnels into the reconnect decision table.
		readCtx, cancel := ctx, context.CancelFunc(nil)
		if d := c.readTimeout(); d > 0 {
			readCtx, cancel = context.WithTimeout(ctx, d)
		}
		_, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			c.handleClose(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) readTimeout() time.Duration {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.serverTimeout
}

// handleClose funnels transport close and error events into the reconnect
// decision table.
func (c *Connection) handleClose(err error) {
	// A failure while the login handshake is outstanding resolves the
	// connect call, not the reconnect machinery.
	if c.connecting.Load() && !c.connected.Load() {
		c.signalHandshake(fmt.Errorf("client: connection closed during login: %w", err))
		return
	}
	if c.userDisconnect.Load() {
		c.connected.Store(false)
		c.teardown(nil)
		return
	}
	if !c.connected.CompareAndSwap(true, false) {
		return
	}

	status := websocket.CloseStatus(err)
	// Only the server-restart close code and generic transport errors are
	// reconnect-eligible; any other close code terminates the session.
	eligible := status == websocket.StatusServiceRestart || status == -1
	if eligible {
		// Stop the writer attached to the dead transport before the retry
		// builds a new one.
		if cancel := c.pumpCancelFunc(); cancel != nil {
			cancel()
		}
		c.scheduleReconnect(err)
		return
	}
	c.teardown(&Error{Code: CodeConnectError, Reason: err.Error()})
}

// scheduleReconnect applies the backoff policy after a drop of a previously
// connected session. Untried URLs are attempted immediately; once the list
// is exhausted the delay grows as 2^attempts seconds with jitter in
// [0.5, 1.5), capped at the configured maximum.
func (c *Connection) scheduleReconnect(cause error) {
	c.writeMu.Lock()
	if c.attempts >= c.config.reconnectAttempts {
		c.writeMu.Unlock()
		c.teardown(&Error{Code: CodeConnectError, Reason: causeReason(cause)})
		return
	}
	var delay time.Duration
	if c.urlIndex+1 < len(c.urls) {
		c.urlIndex++
	} else {
		c.urlIndex = 0
		delay = backoffDelay(c.attempts, c.config.reconnectMaxDelay)
	}
	c.attempts++
	c.writeMu.Unlock()

	c.reconnecting.Store(true)
	c.config.logger.Debug("scheduling reconnect", "delay", delay, "cause", cause)
	c.timerMu.Lock()
	c.reconnectTimer = time.AfterFunc(delay, c.retryConnect)
	c.timerMu.Unlock()
}

// backoffDelay computes the reconnect delay for the given attempt number:
// 2^attempts seconds scaled by uniform jitter in [0.5, 1.5), capped at
// maxDelay.
func backoffDelay(attempts int, maxDelay time.Duration) time.Duration {
	jitter := 0.5 + rand.Float64()
	ms := math.Pow(2, float64(attempts)) * 1000 * jitter
	if capMs := float64(maxDelay.Milliseconds()); ms > capMs {
		ms = capMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Connection) retryConnect() {
	c.timerMu.Lock()
	c.reconnectTimer = nil
	c.timerMu.Unlock()
	if c.userDisconnect.Load() {
		return
	}
	if err := c.connectOnce(); err != nil {
		// A Disconnect issued while the dial was in flight ends the retry
		// loop; its teardown already ran.
		if c.userDisconnect.Load() {
			return
		}
		c.scheduleReconnect(err)
	}
}

// cancelReconnectTimer stops a pending reconnect timer. It reports true only
// when a timer existed and had not fired yet.
func (c *Connection) cancelReconnectTimer() bool {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.reconnectTimer == nil {
		return false
	}
	stopped := c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	return stopped
}

// teardown is the terminal path: no reconnect follows. Every pending request
// resolves with an error and the disconnect callback fires. At most one
// teardown runs per session; the next welcome re-arms it.
func (c *Connection) teardown(cause error) {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}
	c.connected.Store(false)
	c.reconnecting.Store(false)
	c.cancelReconnectTimer()
	c.connMu.RLock()
	cancel := c.pumpCancel
	c.connMu.RUnlock()
	if cancel != nil {
		cancel()
	}

	failure := cause
	if failure == nil {
		failure = &Error{Code: CodeDisconnected, Reason: "disconnected"}
	}
	for _, r := range c.requests.takeAll() {
		r.fail(failure)
	}
	if cb := c.config.listener.OnDisconnect; cb != nil {
		cb(c, cause)
	}
}

func causeReason(err error) string {
	if err == nil {
		return "connection failed"
	}
	return err.Error()
}

// Disconnect closes the session. It is idempotent; the disconnect envelope
// and transport close run on the writer loop, mutually exclusive with any
// in-flight inbound message delivery.
func (c *Connection) Disconnect() {
	if c.connected.CompareAndSwap(true, false) {
		c.userDisconnect.Store(true)
		c.processMu.Lock()
		defer c.processMu.Unlock()
		env := message.New()
		env.SetLong(protocol.FieldOp, protocol.OpDisconnect)
		text, err := protocol.Marshal(env)
		if err != nil {
			text = `{"op":11}`
		}
		entry := queueEntry{req: &publishRequest{envelope: text}, disconnect: true}
		c.writeMu.Lock()
		queue := c.queue
		c.writeMu.Unlock()
		select {
		case queue <- entry:
		case <-time.After(time.Second):
			// Writer stalled; force the transport down instead.
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "disconnect")
			}
		}
		return
	}

	// Not connected. An automatic reconnect may be waiting on its backoff
	// timer or already mid-dial; the user's intent wins over both.
	c.cancelReconnectTimer()
	if c.reconnecting.Load() {
		c.userDisconnect.Store(true)
		c.teardown(nil)
	}
}

// Reconnect re-establishes a dropped session. It is a no-op while connected.
// Unlike the automatic path, a welcome produced by Reconnect surfaces the
// listener's OnReconnect callback.
func (c *Connection) Reconnect() error {
	if c.connected.Load() {
		return nil
	}
	c.cancelReconnectTimer()
	c.reconnecting.Store(false)
	c.userDisconnect.Store(false)
	return c.connectAnyURL()
}

// IsConnected reports whether the login handshake has completed and the
// session is currently up.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the client identifier for this session. After a connect
// this is the server-assigned identifier.
func (c *Connection) ClientID() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.clientID
}

func (c *Connection) pumpCancelFunc() context.CancelFunc {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.pumpCancel
}

func (c *Connection) signalHandshake(err error) {
	c.connMu.RLock()
	handshake := c.handshake
	c.connMu.RUnlock()
	if handshake == nil {
		return
	}
	select {
	case handshake <- err:
	default:
	}
}

func (c *Connection) notifyError(err error) {
	if cb := c.config.listener.OnError; cb != nil {
		cb(c, err)
	}
}

// checkSize enforces the negotiated maximum message size. Callers hold the
// write-serialization lock.
func (c *Connection) checkSize(text string) error {
	if c.maxMessageSize > 0 && int64(len(text)) > c.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooBig, len(text), c.maxMessageSize)
	}
	return nil
}
