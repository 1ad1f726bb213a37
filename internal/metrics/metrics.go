// Package metrics provides the counters the telemetry pipeline exposes on its
// status endpoint. A Metrics value is constructed by the pipeline owner and
// passed to every component; there is no process-wide instance.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks ring, broadcast, rolling-log and estimator activity.
type Metrics struct {
	// Ring
	framesPushed atomic.Int64

	// Broadcast
	framesBroadcast   atomic.Int64
	clientSendsFailed atomic.Int64
	overloadRejects   atomic.Int64
	originRejects     atomic.Int64
	activeClients     atomic.Int64

	// Rolling logs
	linesWritten      atomic.Int64
	appendFailures    atomic.Int64
	enforcementPasses atomic.Int64
	enforceFailures   atomic.Int64
	linesArchived     atomic.Int64
	segmentsRotated   atomic.Int64
	segmentsSealed    atomic.Int64

	// Territory / topology
	observationsFolded  atomic.Int64
	observationsSkipped atomic.Int64
	ticks               atomic.Int64

	// Tick latency tracking (microseconds)
	latencyMu      sync.RWMutex
	latencySamples []int64
	maxSamples     int

	startTime time.Time
}

// New creates a Metrics instance keeping at most maxSamples tick latencies.
func New(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &Metrics{
		latencySamples: make([]int64, 0, maxSamples),
		maxSamples:     maxSamples,
		startTime:      time.Now(),
	}
}

// The Record* methods are nil-safe so components can run without metrics.

func (m *Metrics) RecordFramePushed() {
	if m != nil {
		m.framesPushed.Add(1)
	}
}

func (m *Metrics) RecordFrameBroadcast() {
	if m != nil {
		m.framesBroadcast.Add(1)
	}
}

func (m *Metrics) RecordClientSendFailed() {
	if m != nil {
		m.clientSendsFailed.Add(1)
	}
}

func (m *Metrics) RecordOverloadReject() {
	if m != nil {
		m.overloadRejects.Add(1)
	}
}

func (m *Metrics) RecordOriginReject() {
	if m != nil {
		m.originRejects.Add(1)
	}
}

// ClientConnected increments the active clients gauge.
func (m *Metrics) ClientConnected() {
	if m != nil {
		m.activeClients.Add(1)
	}
}

// ClientDisconnected decrements the active clients gauge.
func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.activeClients.Add(-1)
	}
}

func (m *Metrics) RecordLineWritten() {
	if m != nil {
		m.linesWritten.Add(1)
	}
}

func (m *Metrics) RecordAppendFailure() {
	if m != nil {
		m.appendFailures.Add(1)
	}
}

// RecordEnforcement records one enforcement pass, the number of lines it moved
// into the archive and whether it failed.
func (m *Metrics) RecordEnforcement(archived int, failed bool) {
	if m == nil {
		return
	}
	m.enforcementPasses.Add(1)
	m.linesArchived.Add(int64(archived))
	if failed {
		m.enforceFailures.Add(1)
	}
}

func (m *Metrics) RecordSegmentRotated() {
	if m != nil {
		m.segmentsRotated.Add(1)
	}
}

func (m *Metrics) RecordSegmentSealed() {
	if m != nil {
		m.segmentsSealed.Add(1)
	}
}

// RecordFold records the outcome of folding one batch of observations.
func (m *Metrics) RecordFold(folded, skipped int) {
	if m == nil {
		return
	}
	m.observationsFolded.Add(int64(folded))
	m.observationsSkipped.Add(int64(skipped))
}

// RecordTick counts a telemetry tick and its processing time.
func (m *Metrics) RecordTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Add(1)

	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	m.latencySamples = append(m.latencySamples, d.Microseconds())
	if len(m.latencySamples) > m.maxSamples {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-m.maxSamples:]
	}
}

// Snapshot returns a point-in-time copy that is safe to serialize.
func (m *Metrics) Snapshot() *Snapshot {
	if m == nil {
		return &Snapshot{Timestamp: time.Now()}
	}

	m.latencyMu.RLock()
	latency := m.calculateLatencyStats()
	m.latencyMu.RUnlock()

	return &Snapshot{
		FramesPushed:        m.framesPushed.Load(),
		FramesBroadcast:     m.framesBroadcast.Load(),
		ClientSendsFailed:   m.clientSendsFailed.Load(),
		OverloadRejects:     m.overloadRejects.Load(),
		OriginRejects:       m.originRejects.Load(),
		ActiveClients:       m.activeClients.Load(),
		LinesWritten:        m.linesWritten.Load(),
		AppendFailures:      m.appendFailures.Load(),
		EnforcementPasses:   m.enforcementPasses.Load(),
		EnforcementFailures: m.enforceFailures.Load(),
		LinesArchived:       m.linesArchived.Load(),
		SegmentsRotated:     m.segmentsRotated.Load(),
		SegmentsSealed:      m.segmentsSealed.Load(),
		ObservationsFolded:  m.observationsFolded.Load(),
		ObservationsSkipped: m.observationsSkipped.Load(),
		Ticks:               m.ticks.Load(),
		TickLatency:         latency,
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		Timestamp:           time.Now(),
	}
}

// calculateLatencyStats must be called with latencyMu held.
func (m *Metrics) calculateLatencyStats() LatencyStats {
	if len(m.latencySamples) == 0 {
		return LatencyStats{}
	}

	var sum int64
	min := m.latencySamples[0]
	max := m.latencySamples[0]
	for _, sample := range m.latencySamples {
		sum += sample
		if sample < min {
			min = sample
		}
		if sample > max {
			max = sample
		}
	}

	return LatencyStats{
		AverageUs: sum / int64(len(m.latencySamples)),
		MinUs:     min,
		MaxUs:     max,
		Samples:   int64(len(m.latencySamples)),
	}
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	FramesPushed        int64 `json:"frames_pushed"`
	FramesBroadcast     int64 `json:"frames_broadcast"`
	ClientSendsFailed   int64 `json:"client_sends_failed"`
	OverloadRejects     int64 `json:"overload_rejects"`
	OriginRejects       int64 `json:"origin_rejects"`
	ActiveClients       int64 `json:"active_clients"`
	LinesWritten        int64 `json:"lines_written"`
	AppendFailures      int64 `json:"append_failures"`
	EnforcementPasses   int64 `json:"enforcement_passes"`
	EnforcementFailures int64 `json:"enforcement_failures"`
	LinesArchived       int64 `json:"lines_archived"`
	SegmentsRotated     int64 `json:"segments_rotated"`
	SegmentsSealed      int64 `json:"segments_sealed"`
	ObservationsFolded  int64 `json:"observations_folded"`
	ObservationsSkipped int64 `json:"observations_skipped"`
	Ticks               int64 `json:"ticks"`

	TickLatency LatencyStats `json:"tick_latency"`

	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// LatencyStats summarises recent tick processing times.
type LatencyStats struct {
	AverageUs int64 `json:"average_us"`
	MinUs     int64 `json:"min_us"`
	MaxUs     int64 `json:"max_us"`
	Samples   int64 `json:"samples"`
}
