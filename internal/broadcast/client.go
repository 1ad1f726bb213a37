package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client owns one websocket connection. The broadcast loop posts frames into a
// single-slot mailbox; writeLoop drains it, so at most one frame is ever pending.
type client struct {
	b    *Broadcaster
	conn *websocket.Conn

	mu      sync.Mutex
	mailbox chan *outbound

	// lastSent is only touched by writeLoop.
	lastSent uint64

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(b *Broadcaster, conn *websocket.Conn) *client {
	return &client{
		b:       b,
		conn:    conn,
		mailbox: make(chan *outbound, 1),
		done:    make(chan struct{}),
	}
}

// post replaces any unsent frame with m unless the pending frame is newer.
func (c *client) post(m *outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case pending := <-c.mailbox:
		if pending.seq >= m.seq {
			m = pending
		}
	default:
	}
	select {
	case c.mailbox <- m:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.b.wg.Done()

	ping := time.NewTicker(c.b.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			deadline := time.Now().Add(c.b.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}
		case m := <-c.mailbox:
			if m.seq <= c.lastSent {
				continue
			}
			if err := c.send(m); err != nil {
				c.fail(err)
				return
			}
			c.lastSent = m.seq
		}
	}
}

func (c *client) send(m *outbound) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.b.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, m.header); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, m.payload)
}

func (c *client) fail(err error) {
	select {
	case <-c.done:
		// Already closing; the error is a consequence.
	default:
		c.b.metrics.RecordClientSendFailed()
		c.b.logger.Debugf("websocket client send failed: %v", err)
	}
	c.b.removeClient(c)
}

// readLoop consumes inbound messages so control frames are processed and a
// disconnect is noticed. The peer must answer pings within two ping intervals.
func (c *client) readLoop() {
	defer c.b.wg.Done()

	c.conn.SetReadLimit(maxInboundMessage)
	grace := 2 * c.b.opts.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(grace))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(grace))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.b.removeClient(c)
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
