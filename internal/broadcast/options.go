package broadcast

import (
	"strings"
	"time"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8765
	DefaultPath            = "/ws"
	DefaultMaxConnections  = 2
	DefaultFPS             = 10.0
	DefaultShutdownTimeout = 2 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultPingInterval    = 20 * time.Second

	// idlePoll is the loop period when fps is not positive.
	idlePoll = 100 * time.Millisecond
	// maxInboundMessage bounds what a client may send; clients only send control frames.
	maxInboundMessage = 1 << 20

	// CloseReasonOverload accompanies close code 1013 when admission is refused.
	CloseReasonOverload = "server_overload"
)

// Options configures a Broadcaster.
type Options struct {
	Enabled        bool
	Host           string
	Port           int
	Path           string
	MaxConnections int
	// FPS caps frames per second sent to each client. Zero or negative sends each
	// new frame as soon as it is seen, polling every 100ms when idle.
	FPS             float64
	AllowOrigins    []string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

// DefaultOptions returns an enabled configuration with the built-in defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		Host:            DefaultHost,
		Port:            DefaultPort,
		Path:            DefaultPath,
		MaxConnections:  DefaultMaxConnections,
		FPS:             DefaultFPS,
		ShutdownTimeout: DefaultShutdownTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		PingInterval:    DefaultPingInterval,
	}
}

func (o Options) normalized() Options {
	if strings.TrimSpace(o.Host) == "" {
		o.Host = DefaultHost
	}
	if o.Port < 0 {
		o.Port = DefaultPort
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if !strings.HasPrefix(o.Path, "/") {
		o.Path = "/" + o.Path
	}
	if o.MaxConnections < 1 {
		o.MaxConnections = 1
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	o.AllowOrigins = normalizeOrigins(o.AllowOrigins)
	return o
}

// ParseOrigins splits a comma separated allow-list.
func ParseOrigins(s string) []string {
	return normalizeOrigins(strings.Split(s, ","))
}

func normalizeOrigins(in []string) []string {
	var out []string
	for _, o := range in {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// interval returns the broadcast period.
func (o Options) interval() time.Duration {
	if o.FPS <= 0 {
		return idlePoll
	}
	d := time.Duration(float64(time.Second) / o.FPS)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
