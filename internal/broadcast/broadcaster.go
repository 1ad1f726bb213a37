// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package broadcast forwards the newest frame of a ring.Buffer to a small set of
// websocket clients.
//
// Each frame is sent as two messages: the header as a JSON text message, then
// the payload as a binary message. Clients never queue more than one frame; a
// client that cannot keep up skips ahead to the newest frame. The broadcaster
// reads the producer's state only through the ring, so a slow or stalled client
// can never block the simulation.
package broadcast

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/vdmtel/internal/metrics"
	"github.com/traylinx/vdmtel/internal/ring"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("broadcast: broadcaster stopped")

// Broadcaster serves the newest ring frame to websocket clients.
type Broadcaster struct {
	ring      *ring.Buffer
	opts      Options
	metrics   *metrics.Metrics
	logger    log.FieldLogger
	transport Transport
	engine    *gin.Engine
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	running  bool
	stopped  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	lastSeq  uint64
	fallback bool
}

// New creates a Broadcaster over buf. When opts.Enabled is false the no-op
// transport is used. A nil logger selects the standard logger.
func New(buf *ring.Buffer, opts Options, m *metrics.Metrics, logger log.FieldLogger) *Broadcaster {
	opts = opts.normalized()
	if logger == nil {
		logger = log.StandardLogger()
	}
	var transport Transport = NopTransport{}
	if opts.Enabled {
		transport = NewTCPTransport(opts.Host, opts.Port)
	}
	return NewWithTransport(buf, opts, transport, m, logger)
}

// NewWithTransport creates a Broadcaster that serves through transport.
func NewWithTransport(buf *ring.Buffer, opts Options, transport Transport, m *metrics.Metrics, logger log.FieldLogger) *Broadcaster {
	opts = opts.normalized()
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Broadcaster{
		ring:      buf,
		opts:      opts,
		metrics:   m,
		logger:    logger.WithField("component", "broadcast"),
		transport: transport,
		clients:   make(map[*client]struct{}),
		stop:      make(chan struct{}),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     b.checkOrigin,
	}
	b.engine = b.newEngine()
	return b
}

// Handler returns the HTTP handler that serves the websocket endpoint plus
// /status and /health.
func (b *Broadcaster) Handler() http.Handler { return b.engine }

// Addr returns the transport's bound address, or "" when nothing is bound.
func (b *Broadcaster) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport.Addr()
}

// Active reports whether a real transport is serving.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.fallback {
		return false
	}
	_, nop := b.transport.(NopTransport)
	return !nop
}

// Start binds the transport and launches the broadcast loop. A transport that
// fails to bind is logged and replaced with the no-op transport; Start then
// succeeds without serving anything.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return nil
	}
	if _, nop := b.transport.(NopTransport); nop {
		b.running = true
		return nil
	}
	if err := b.transport.Serve(ctx, b.engine); err != nil {
		b.logger.Warnf("broadcast transport unavailable, continuing without it: %v", err)
		b.transport = NopTransport{}
		b.fallback = true
		b.running = true
		return nil
	}
	b.running = true
	b.wg.Add(1)
	go b.loop()
	b.logger.Infof("broadcasting frames on ws://%s%s", b.transport.Addr(), b.opts.Path)
	return nil
}

// Stop closes the listener, asks every client to close and waits for the loop
// and connection goroutines. Connections still open after the shutdown timeout,
// or when ctx ends, are closed forcibly.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	wasRunning := b.running
	b.running = false
	close(b.stop)
	clients := b.snapshotClientsLocked()
	transport := b.transport
	b.mu.Unlock()

	if !wasRunning {
		return nil
	}

	err := transport.Close()
	deadline := time.Now().Add(time.Second)
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), deadline)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return err
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	remaining := b.snapshotClientsLocked()
	b.mu.Unlock()
	if len(remaining) > 0 {
		b.logger.Warnf("force closing %d websocket client(s) after shutdown timeout", len(remaining))
	}
	for _, c := range remaining {
		b.removeClient(c)
	}
	<-done
	return err
}

// ClientCount returns the number of admitted clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) snapshotClientsLocked() []*client {
	out := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Broadcaster) checkOrigin(r *http.Request) bool {
	if len(b.opts.AllowOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.ToLower(strings.TrimSpace(r.Header.Get("Origin"))), "/")
	for _, allowed := range b.opts.AllowOrigins {
		if origin == allowed {
			return true
		}
	}
	b.metrics.RecordOriginReject()
	b.logger.WithField("origin", origin).Debug("websocket origin rejected")
	return false
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-timer.C:
		}
		next := b.opts.interval()
		if b.broadcastLatest() && b.opts.FPS <= 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

// broadcastLatest posts the newest frame to every client when it has not been
// posted yet, and reports whether it did.
func (b *Broadcaster) broadcastLatest() bool {
	f, ok := b.ring.Latest()
	if !ok {
		return false
	}

	b.mu.Lock()
	if f.Seq == b.lastSeq || len(b.clients) == 0 {
		b.mu.Unlock()
		return false
	}
	b.lastSeq = f.Seq
	clients := b.snapshotClientsLocked()
	b.mu.Unlock()

	msg := encodeFrame(f)
	for _, c := range clients {
		c.post(msg)
	}
	b.metrics.RecordFrameBroadcast()
	return true
}

// outbound is one encoded frame shared by every client it is posted to.
type outbound struct {
	seq     uint64
	header  []byte
	payload []byte
}

// encodeFrame renders the header as JSON text. Headers that cannot be encoded
// are replaced by a minimal topic+tick header. A "seq" field is added when the
// producer did not set one.
func encodeFrame(f ring.Frame) *outbound {
	hdr := f.Header
	if hdr == nil {
		hdr = map[string]any{}
	}
	text, err := json.Marshal(hdr)
	if err != nil {
		text, _ = json.Marshal(map[string]any{"topic": "maps/frame", "tick": f.Tick})
	}
	if !gjson.GetBytes(text, "seq").Exists() {
		if stamped, err := sjson.SetBytes(text, "seq", f.Seq); err == nil {
			text = stamped
		}
	}
	return &outbound{seq: f.Seq, header: text, payload: f.Payload}
}

func (b *Broadcaster) handleWebsocket(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied.
		return
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		closeWith(conn, websocket.CloseGoingAway, "shutdown")
		return
	}
	if len(b.clients) >= b.opts.MaxConnections {
		b.mu.Unlock()
		b.metrics.RecordOverloadReject()
		b.logger.WithField("remote", c.Request.RemoteAddr).Debug("websocket client rejected: server overload")
		closeWith(conn, websocket.CloseTryAgainLater, CloseReasonOverload)
		return
	}
	cl := newClient(b, conn)
	b.clients[cl] = struct{}{}
	b.wg.Add(2)
	b.mu.Unlock()

	b.metrics.ClientConnected()
	b.logger.WithField("remote", c.Request.RemoteAddr).Debug("websocket client connected")

	go cl.readLoop()
	go cl.writeLoop()

	if f, ok := b.ring.Latest(); ok {
		cl.post(encodeFrame(f))
	}
}

// removeClient drops c and closes its connection. It is safe to call more than once.
func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	b.mu.Unlock()
	if present {
		b.metrics.ClientDisconnected()
	}
	c.close()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}
