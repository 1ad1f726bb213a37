package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Transport carries the broadcaster's HTTP handler to clients.
type Transport interface {
	// Serve binds and starts serving handler in the background. It returns
	// once the transport is accepting connections or has failed to bind.
	Serve(ctx context.Context, handler http.Handler) error
	// Addr reports the bound address, or "" when nothing is bound.
	Addr() string
	// Close stops accepting connections. Hijacked websocket connections are
	// owned by the broadcaster and are not closed here.
	Close() error
}

// NopTransport accepts no connections. It is selected when broadcasting is
// disabled or the listener cannot be bound.
type NopTransport struct{}

func (NopTransport) Serve(context.Context, http.Handler) error { return nil }
func (NopTransport) Addr() string                              { return "" }
func (NopTransport) Close() error                              { return nil }

// TCPTransport serves over a TCP listener using net/http.
type TCPTransport struct {
	host string
	port int

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewTCPTransport creates a transport for host:port. Port 0 picks a free port.
func NewTCPTransport(host string, port int) *TCPTransport {
	return &TCPTransport{host: host, port: port}
}

func (t *TCPTransport) Serve(ctx context.Context, handler http.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv != nil {
		return errors.New("broadcast: transport already serving")
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("broadcast: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.srv, t.ln = srv, ln
	go func() { _ = srv.Serve(ln) }()
	return nil
}

func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}
