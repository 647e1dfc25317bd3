// pkg/client/writer.go
package client

import (
	"context"

	"github.com/coder/websocket"
)

// queueEntry is one element of the outbound queue: either a request whose
// envelope text is transmitted, or the disconnect sentinel that makes the
// drain loop emit the disconnect envelope and close the transport.
type queueEntry struct {
	req        pendingRequest
	disconnect bool
}

// writeLoop drains one connection's outbound queue in FIFO order. Sequence
// numbers are assigned and enqueued under the write-serialization lock, so
// queue order equals sequence order equals wire order. The loop exits when
// the connection's pump context is cancelled, when a write fails, or after
// emitting the disconnect sentinel.
func (c *Connection) writeLoop(ctx context.Context, conn *websocket.Conn, queue chan queueEntry, qos bool) {
	for {
		select {
		case entry := <-queue:
			if entry.disconnect {
				c.writeFrame(ctx, conn, entry.req.text())
				conn.Close(websocket.StatusNormalClosure, "disconnect")
				return
			}
			if err := c.writeFrame(ctx, conn, entry.req.text()); err != nil {
				c.config.logger.Debug("write failed", "seq", entry.req.sequence(), "err", err)
				if cancel := c.pumpCancelFunc(); cancel != nil {
					cancel()
				}
				return
			}
			// Without quality of service the server never acks publishes,
			// so a sequenced publish resolves as soon as it is on the wire.
			// Replies and map operations always wait for the server's
			// response regardless.
			if pub, ok := entry.req.(*publishRequest); ok && !qos && pub.sequence() > 0 {
				if r, ok := c.requests.remove(pub.sequence()); ok {
					r.complete(nil)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) writeFrame(ctx context.Context, conn *websocket.Conn, text string) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.config.connectTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, []byte(text))
}
