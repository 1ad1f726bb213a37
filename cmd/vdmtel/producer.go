package main

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/traylinx/vdmtel/internal/observation"
	"github.com/traylinx/vdmtel/internal/telemetry"
	"github.com/traylinx/vdmtel/internal/topology"
)

// producer fabricates ticks for a daemon with no real model attached: a random
// sparse graph whose node weights drift, a handful of observations per tick
// and a square float32 heat map of the weights.
type producer struct {
	rng    *rand.Rand
	graph  *topology.AdjacencyGraph
	edges  [][2]int
	weight []float64
	side   int
	tick   int64
	buf    []byte
}

func newProducer(nodes, degree int, seed uint64) (*producer, error) {
	nodes = max(nodes, 2)
	degree = max(degree, 1)
	rng := rand.New(rand.NewPCG(seed, seed^0x5bd1e995))

	edges := make([][2]int, 0, nodes*degree)
	for i := 0; i < nodes; i++ {
		for d := 0; d < degree; d++ {
			j := rng.IntN(nodes)
			if j != i {
				edges = append(edges, [2]int{i, j})
			}
		}
	}
	g, err := topology.NewAdjacencyGraph(nodes, edges, 0.5)
	if err != nil {
		return nil, err
	}
	p := &producer{
		rng:    rng,
		graph:  g,
		edges:  edges,
		weight: make([]float64, nodes),
		side:   int(math.Ceil(math.Sqrt(float64(nodes)))),
	}
	for i := range p.weight {
		p.weight[i] = 0.4 + 0.6*rng.Float64()
		g.SetWeight(i, p.weight[i])
	}
	p.buf = make([]byte, 4*p.side*p.side)
	return p, nil
}

// next advances the simulation by one tick.
func (p *producer) next() telemetry.TickInput {
	p.tick++
	for i, w := range p.weight {
		w += 0.05 * p.rng.NormFloat64()
		w = min(1.5, max(0, w))
		p.weight[i] = w
		p.graph.SetWeight(i, w)
	}

	return telemetry.TickInput{
		Tick:         p.tick,
		Graph:        p.graph,
		Observations: p.observations(),
		Header: map[string]any{
			"shape":    []int{p.side, p.side},
			"dtype":    "f32",
			"channels": 1,
		},
		Payload: p.heatMap(),
	}
}

func (p *producer) observations() []observation.Observation {
	if len(p.edges) == 0 {
		return nil
	}
	n := p.rng.IntN(8)
	out := make([]observation.Observation, 0, n)
	for k := 0; k < n; k++ {
		e := p.edges[p.rng.IntN(len(p.edges))]
		switch r := p.rng.Float64(); {
		case r < 0.6:
			out = append(out, observation.EdgeOn(e[0], e[1]))
		case r < 0.9:
			out = append(out, observation.EdgeOff(e[0], e[1]))
		default:
			third := p.rng.IntN(p.graph.N())
			out = append(out, observation.CycleHit(e[0], e[1], third))
		}
	}
	return out
}

// heatMap renders node weights row-major as little-endian float32. Cells past
// the last node stay zero. The returned slice is reused on the next tick; the
// ring copies it on push.
func (p *producer) heatMap() []byte {
	for cell := 0; cell < p.side*p.side; cell++ {
		var v float32
		if cell < len(p.weight) {
			v = float32(p.weight[cell])
		}
		binary.LittleEndian.PutUint32(p.buf[4*cell:], math.Float32bits(v))
	}
	return p.buf
}
