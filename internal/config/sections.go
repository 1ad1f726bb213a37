package config

import (
	"strings"
	"time"
)

// BroadcastConfig holds the websocket frame broadcaster settings.
type BroadcastConfig struct {
	// Enabled starts the websocket endpoint. When false frames are still
	// buffered but nobody is served.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Host is the bind address. Default: "127.0.0.1".
	Host string `yaml:"host" json:"host"`

	// Port is the bind port. Default: 8765. Zero picks a free port.
	Port int `yaml:"port" json:"port"`

	// Path is the websocket route. Default: "/ws".
	Path string `yaml:"path" json:"path"`

	// MaxConnections is the number of concurrently admitted clients.
	// Default: 2. Minimum: 1.
	MaxConnections int `yaml:"max-connections" json:"max-connections"`

	// FPS caps frames per second per client. Zero or negative sends frames as
	// soon as they are produced.
	FPS float64 `yaml:"fps" json:"fps"`

	// AllowOrigins restricts browser origins. Empty allows any origin.
	AllowOrigins []string `yaml:"allow-origins" json:"allow-origins"`

	// ShutdownTimeout bounds the wait for clients on stop. Default: "2s".
	ShutdownTimeout string `yaml:"shutdown-timeout" json:"shutdown-timeout"`

	// WriteTimeout bounds a single frame write. Default: "5s".
	WriteTimeout string `yaml:"write-timeout" json:"write-timeout"`

	// PingInterval is the keepalive period. Default: "20s".
	PingInterval string `yaml:"ping-interval" json:"ping-interval"`
}

// RingConfig sizes the frame buffer.
type RingConfig struct {
	// Capacity is the number of frames kept. Default: 3. Minimum: 1.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// StreamCaps bounds one rolling stream. Zero values fall back to the
// environment and then to the built-in defaults for the stream's category.
type StreamCaps struct {
	MaxMB        int64 `yaml:"max-mb" json:"max-mb"`
	MaxLines     int   `yaml:"max-lines" json:"max-lines"`
	SegmentMB    int64 `yaml:"archive-segment-mb" json:"archive-segment-mb"`
	SegmentLines int   `yaml:"archive-segment-lines" json:"archive-segment-lines"`
}

// LogsConfig holds the rolling stream caps.
type LogsConfig struct {
	Events StreamCaps `yaml:"events" json:"events"`
	UTD    StreamCaps `yaml:"utd" json:"utd"`
	// Log caps the JSONL mirror of the process log.
	Log StreamCaps `yaml:"log" json:"log"`

	// CheckEvery is the number of writes between enforcement passes.
	CheckEvery int `yaml:"check-every" json:"check-every"`

	// ArchiveDir overrides the archive root. Default: <run-dir>/archived.
	ArchiveDir string `yaml:"archive-dir" json:"archive-dir"`

	// CompressSegments gzips archive segments once a stream rotates past them.
	CompressSegments bool `yaml:"compress-segments" json:"compress-segments"`

	// MirrorProcessLog copies process log entries into <run-dir>/vdmtel.log.jsonl.
	MirrorProcessLog bool `yaml:"mirror-process-log" json:"mirror-process-log"`
}

// TopologyConfig tunes the cycle/triangle estimator.
type TopologyConfig struct {
	// SampleEdges is the reservoir size. Default: 4096. Minimum: 32.
	SampleEdges int `yaml:"sample-edges" json:"sample-edges"`

	// HalfLifeTicks sets the smoothing half-life. Default: 50. Minimum: 1.
	HalfLifeTicks int `yaml:"half-life-ticks" json:"half-life-ticks"`

	CyclesWeight   float64 `yaml:"cycles-weight" json:"cycles-weight"`
	TriangleWeight float64 `yaml:"triangle-weight" json:"triangle-weight"`

	// TriangleNorm is the triangles-per-edge value that saturates the
	// triangle term. Default: 4.
	TriangleNorm float64 `yaml:"triangle-norm" json:"triangle-norm"`

	// Seed makes reservoir sampling reproducible. Zero seeds from the clock.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// TerritoryConfig tunes the incremental union-find.
type TerritoryConfig struct {
	// HeadK bounds the member list kept per component. Default: 512. Minimum: 8.
	HeadK int `yaml:"head-k" json:"head-k"`
}

// SanitizeBroadcast validates and normalises the broadcast section.
func (cfg *Config) SanitizeBroadcast() {
	if cfg == nil {
		return
	}
	b := &cfg.Broadcast

	b.Host = strings.TrimSpace(b.Host)
	if b.Host == "" {
		b.Host = "127.0.0.1"
	}
	if b.Port < 0 || b.Port > 65535 {
		b.Port = 8765
	}
	b.Path = strings.TrimSpace(b.Path)
	if b.Path == "" {
		b.Path = "/ws"
	}
	if !strings.HasPrefix(b.Path, "/") {
		b.Path = "/" + b.Path
	}
	if b.MaxConnections < 1 {
		b.MaxConnections = 1
	}

	// Entries may themselves be comma separated lists.
	var origins []string
	for _, entry := range b.AllowOrigins {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	b.AllowOrigins = origins

	b.ShutdownTimeout = normalizeDuration(b.ShutdownTimeout, "2s", 10*time.Millisecond)
	b.WriteTimeout = normalizeDuration(b.WriteTimeout, "5s", 10*time.Millisecond)
	b.PingInterval = normalizeDuration(b.PingInterval, "20s", time.Second)
}

// SanitizeRing validates the ring section.
func (cfg *Config) SanitizeRing() {
	if cfg == nil {
		return
	}
	if cfg.Ring.Capacity < 1 {
		cfg.Ring.Capacity = 1
	}
}

// SanitizeLogs clamps negative caps to zero.
func (cfg *Config) SanitizeLogs() {
	if cfg == nil {
		return
	}
	for _, caps := range []*StreamCaps{&cfg.Logs.Events, &cfg.Logs.UTD, &cfg.Logs.Log} {
		if caps.MaxMB < 0 {
			caps.MaxMB = 0
		}
		if caps.MaxLines < 0 {
			caps.MaxLines = 0
		}
		if caps.SegmentMB < 0 {
			caps.SegmentMB = 0
		}
		if caps.SegmentLines < 0 {
			caps.SegmentLines = 0
		}
	}
	if cfg.Logs.CheckEvery < 0 {
		cfg.Logs.CheckEvery = 0
	}
	cfg.Logs.ArchiveDir = strings.TrimSpace(cfg.Logs.ArchiveDir)
}

// SanitizeTopology validates the estimator section.
func (cfg *Config) SanitizeTopology() {
	if cfg == nil {
		return
	}
	tp := &cfg.Topology

	if tp.SampleEdges == 0 {
		tp.SampleEdges = 4096
	}
	if tp.SampleEdges < 32 {
		tp.SampleEdges = 32
	}
	if tp.HalfLifeTicks < 1 {
		tp.HalfLifeTicks = 50
	}
	if tp.CyclesWeight < 0 {
		tp.CyclesWeight = 0.6
	}
	if tp.TriangleWeight < 0 {
		tp.TriangleWeight = 0.4
	}
	if tp.TriangleNorm <= 0 {
		tp.TriangleNorm = 4
	}
}

// SanitizeTerritory validates the union-find section.
func (cfg *Config) SanitizeTerritory() {
	if cfg == nil {
		return
	}
	if cfg.Territory.HeadK < 8 {
		cfg.Territory.HeadK = 8
	}
}

// normalizeDuration returns def when v is empty, unparsable or below floor.
func normalizeDuration(v, def string, floor time.Duration) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err != nil || d < floor {
		return def
	}
	return v
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// GetShutdownTimeout returns the broadcast shutdown timeout.
func (cfg *Config) GetShutdownTimeout() time.Duration {
	return parseDurationOr(cfg.Broadcast.ShutdownTimeout, 2*time.Second)
}

// GetWriteTimeout returns the per-frame write timeout.
func (cfg *Config) GetWriteTimeout() time.Duration {
	return parseDurationOr(cfg.Broadcast.WriteTimeout, 5*time.Second)
}

// GetPingInterval returns the websocket keepalive period.
func (cfg *Config) GetPingInterval() time.Duration {
	return parseDurationOr(cfg.Broadcast.PingInterval, 20*time.Second)
}
