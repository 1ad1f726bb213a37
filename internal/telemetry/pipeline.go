// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry assembles the per-process telemetry pipeline: the frame
// ring and its broadcaster, the bounded event streams, the territory
// union-find and the topology estimator.
//
// A Pipeline is owned by the caller. Tick is serialised internally, so the
// single-writer union-find and estimator are never touched concurrently.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/vdmtel/internal/broadcast"
	"github.com/traylinx/vdmtel/internal/config"
	"github.com/traylinx/vdmtel/internal/metrics"
	"github.com/traylinx/vdmtel/internal/observation"
	"github.com/traylinx/vdmtel/internal/ring"
	"github.com/traylinx/vdmtel/internal/rolling"
	"github.com/traylinx/vdmtel/internal/territory"
	"github.com/traylinx/vdmtel/internal/topology"
)

// DefaultTopic is set on frames whose header has no topic.
const DefaultTopic = "maps/frame"

// tickLatencySamples bounds the tick latency window kept for /status.
const tickLatencySamples = 1024

// TickInput is everything the producer hands over for one tick.
type TickInput struct {
	Tick int64
	// Graph implements topology.SparseGraph or topology.DenseGraph. Nil skips
	// the estimator update for this tick.
	Graph        any
	Observations []observation.Observation
	Header       map[string]any
	Payload      []byte
}

// Report summarises one processed tick.
type Report struct {
	Tick       int64           `json:"tick"`
	Seq        uint64          `json:"seq"`
	Topology   topology.Sample `json:"topology"`
	Folded     int             `json:"folded"`
	Skipped    int             `json:"skipped"`
	Components int             `json:"components"`
	Nodes      int             `json:"nodes"`
	Dirty      int             `json:"dirty"`
	Duration   time.Duration   `json:"duration_ns"`
}

// Pipeline routes ticks to the ring, the broadcaster and the event streams.
type Pipeline struct {
	cfg     *config.Config
	logger  log.FieldLogger
	metrics *metrics.Metrics

	ring        *ring.Buffer
	broadcaster *broadcast.Broadcaster
	events      *rolling.Writer
	utd         *rolling.Writer

	mu        sync.Mutex
	territory *territory.UnionFind
	estimator *topology.Estimator
	last      Report
}

// New builds a pipeline from cfg. A nil logger selects the standard logger.
// Nothing is served until Start.
func New(cfg *config.Config, logger log.FieldLogger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := metrics.New(tickLatencySamples)

	events, err := rolling.New(cfg.EventsPath(), StreamOptions(cfg, cfg.EventsPath(), cfg.Logs.Events, m, logger))
	if err != nil {
		return nil, fmt.Errorf("telemetry: events stream: %w", err)
	}
	utd, err := rolling.New(cfg.UTDPath(), StreamOptions(cfg, cfg.UTDPath(), cfg.Logs.UTD, m, logger))
	if err != nil {
		return nil, fmt.Errorf("telemetry: utd stream: %w", err)
	}

	buf := ring.New(cfg.Ring.Capacity)
	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		ring:        buf,
		broadcaster: broadcast.New(buf, BroadcastOptions(cfg), m, logger),
		events:      events,
		utd:         utd,
		territory:   territory.New(cfg.Territory.HeadK),
		estimator:   topology.NewEstimator(EstimatorOptions(cfg)),
	}, nil
}

// StreamOptions derives rolling writer options for path from cfg. Unset caps
// fall back to the environment and the stream category's defaults.
func StreamOptions(cfg *config.Config, path string, caps config.StreamCaps, m *metrics.Metrics, logger log.FieldLogger) rolling.Options {
	const mib = 1024 * 1024
	return rolling.WithEnvDefaults(path, rolling.Options{
		MaxActiveBytes:  caps.MaxMB * mib,
		MaxActiveLines:  caps.MaxLines,
		SegmentMaxBytes: caps.SegmentMB * mib,
		SegmentMaxLines: caps.SegmentLines,
		CheckEvery:      cfg.Logs.CheckEvery,
		ArchiveDir:      cfg.ArchiveDir(),
		CompressSealed:  cfg.Logs.CompressSegments,
		Logger:          logger,
		Metrics:         m,
	})
}

// BroadcastOptions maps the broadcast section onto broadcaster options.
func BroadcastOptions(cfg *config.Config) broadcast.Options {
	b := cfg.Broadcast
	return broadcast.Options{
		Enabled:         b.Enabled,
		Host:            b.Host,
		Port:            b.Port,
		Path:            b.Path,
		MaxConnections:  b.MaxConnections,
		FPS:             b.FPS,
		AllowOrigins:    b.AllowOrigins,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
		WriteTimeout:    cfg.GetWriteTimeout(),
		PingInterval:    cfg.GetPingInterval(),
	}
}

// EstimatorOptions maps the topology section onto estimator options.
func EstimatorOptions(cfg *config.Config) topology.Options {
	t := cfg.Topology
	return topology.Options{
		SampleEdges:    t.SampleEdges,
		HalfLifeTicks:  t.HalfLifeTicks,
		CyclesWeight:   t.CyclesWeight,
		TriangleWeight: t.TriangleWeight,
		TriangleNorm:   t.TriangleNorm,
		Seed:           t.Seed,
	}
}

// Start starts the broadcaster. A broadcaster that cannot bind degrades to a
// no-op and Start still succeeds.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.broadcaster.Start(ctx)
}

// Close stops the broadcaster and runs a final enforcement pass on both
// streams.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	if err := p.broadcaster.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: stop broadcaster: %w", err))
	}
	for _, w := range []*rolling.Writer{p.events, p.utd} {
		if err := w.Enforce(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: enforce %s: %w", w.Path(), err))
		}
	}
	return errors.Join(errs...)
}

// Tick folds the tick's observations, updates the estimator, publishes a frame
// whose header carries the topology sample under "stats", and appends a tick
// event. Only a failed event append is returned; the frame is published
// regardless.
func (p *Pipeline) Tick(ctx context.Context, in TickInput) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	folded, skipped := p.territory.Fold(in.Observations)
	p.metrics.RecordFold(folded, skipped)

	var sample topology.Sample
	if in.Graph != nil {
		sample = p.estimator.Update(in.Graph)
	} else {
		sample = p.estimator.Current()
	}

	header := make(map[string]any, len(in.Header)+3)
	for k, v := range in.Header {
		header[k] = v
	}
	if _, ok := header["topic"]; !ok {
		header["topic"] = DefaultTopic
	}
	header["tick"] = in.Tick
	header["stats"] = sample

	seq := p.ring.Push(in.Tick, header, in.Payload)
	p.metrics.RecordFramePushed()

	report := Report{
		Tick:       in.Tick,
		Seq:        seq,
		Topology:   sample,
		Folded:     folded,
		Skipped:    skipped,
		Components: p.territory.ComponentsCount(),
		Nodes:      p.territory.Len(),
		Dirty:      p.territory.Dirty(),
	}
	err := p.writeEvent(p.events, "tick", map[string]any{
		"tick":      report.Tick,
		"seq":       report.Seq,
		"topology":  report.Topology,
		"territory": map[string]any{"components": report.Components, "nodes": report.Nodes, "dirty": report.Dirty},
		"observations": map[string]any{
			"folded":  report.Folded,
			"skipped": report.Skipped,
		},
	})

	report.Duration = time.Since(start)
	p.metrics.RecordTick(report.Duration)
	p.last = report

	if skipped > 0 {
		p.logger.WithField("tick", in.Tick).Debugf("skipped %d malformed observation(s)", skipped)
	}
	return report, err
}

// LogEvent appends a record of the given kind to the events stream.
func (p *Pipeline) LogEvent(kind string, fields map[string]any) error {
	return p.writeEvent(p.events, kind, fields)
}

// LogUTD appends a record of the given kind to the UTD stream.
func (p *Pipeline) LogUTD(kind string, fields map[string]any) error {
	return p.writeEvent(p.utd, kind, fields)
}

// writeEvent renders {"ts":...,"kind":...,<fields>} and appends it. The kind
// and ts keys are reserved.
func (p *Pipeline) writeEvent(w *rolling.Writer, kind string, fields map[string]any) error {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["kind"] = kind
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: encode %s event: %w", kind, err)
	}
	return w.WriteLine(string(line))
}

// Reload applies the hot-reloadable parts of cfg: the estimator score weights.
// Stream caps, ring size and broadcast settings take effect on restart.
func (p *Pipeline) Reload(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := cfg.Topology
	p.estimator.SetScoreWeights(t.CyclesWeight, t.TriangleWeight, t.TriangleNorm)
	p.logger.Infof("telemetry reloaded: cycles-weight=%g triangle-weight=%g triangle-norm=%g",
		t.CyclesWeight, t.TriangleWeight, t.TriangleNorm)
}

// Last returns the report of the most recent tick.
func (p *Pipeline) Last() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// TerritorySample returns up to k node ids spread across the largest components.
func (p *Pipeline) TerritorySample(k int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.territory.SampleAny(k)
}

// Ring returns the frame buffer.
func (p *Pipeline) Ring() *ring.Buffer { return p.ring }

// Broadcaster returns the frame broadcaster.
func (p *Pipeline) Broadcaster() *broadcast.Broadcaster { return p.broadcaster }

// Metrics returns the pipeline counters.
func (p *Pipeline) Metrics() *metrics.Metrics { return p.metrics }

// EventsWriter returns the events stream.
func (p *Pipeline) EventsWriter() *rolling.Writer { return p.events }

// UTDWriter returns the UTD stream.
func (p *Pipeline) UTDWriter() *rolling.Writer { return p.utd }
