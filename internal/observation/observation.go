// Package observation defines the typed records the simulation emits about its
// graph (edges switching on and off, detected cycles) and decodes them from
// JSON lines.
package observation

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind discriminates observation records.
type Kind string

const (
	KindEdgeOn   Kind = "edge_on"
	KindEdgeOff  Kind = "edge_off"
	KindCycleHit Kind = "cycle_hit"
)

// Observation is one record of the observation stream. Only the fields relevant
// to Kind are meaningful.
type Observation struct {
	Kind  Kind  `json:"kind"`
	Tick  int64 `json:"tick,omitempty"`
	U     int   `json:"u"`
	V     int   `json:"v"`
	Nodes []int `json:"nodes,omitempty"`
}

// EdgeOn builds an edge_on record.
func EdgeOn(u, v int) Observation {
	return Observation{Kind: KindEdgeOn, U: u, V: v}
}

// EdgeOff builds an edge_off record.
func EdgeOff(u, v int) Observation {
	return Observation{Kind: KindEdgeOff, U: u, V: v}
}

// CycleHit builds a cycle_hit record over the given nodes.
func CycleHit(nodes ...int) Observation {
	return Observation{Kind: KindCycleHit, Nodes: nodes}
}

// Valid reports whether the record carries the node ids its kind requires.
func (o Observation) Valid() bool {
	switch o.Kind {
	case KindEdgeOn, KindEdgeOff:
		return o.U >= 0 && o.V >= 0
	case KindCycleHit:
		return len(o.Nodes) >= 2 && o.Nodes[0] >= 0 && o.Nodes[1] >= 0
	default:
		return o.Kind != ""
	}
}

// maxLineBytes bounds a single record so a corrupt stream cannot exhaust memory.
const maxLineBytes = 1 << 20

// DecodeLines reads JSON-lines observation records from r. Records that are not
// valid JSON objects, lack a kind or carry non-integer node ids are skipped and
// counted; decoding never aborts on a bad record. A read error ends decoding and
// is returned alongside what was decoded so far.
func DecodeLines(r io.Reader) ([]Observation, int, error) {
	var out []Observation
	skipped := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		obs, ok := Parse(line)
		if !ok {
			skipped++
			continue
		}
		out = append(out, obs)
	}
	return out, skipped, scanner.Err()
}

// Parse decodes one JSON record.
func Parse(raw string) (Observation, bool) {
	if !gjson.Valid(raw) {
		return Observation{}, false
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return Observation{}, false
	}

	kind := root.Get("kind")
	if kind.Type != gjson.String || kind.Str == "" {
		return Observation{}, false
	}
	obs := Observation{Kind: Kind(kind.Str), Tick: root.Get("tick").Int()}

	switch obs.Kind {
	case KindEdgeOn, KindEdgeOff:
		u, okU := intField(root.Get("u"))
		v, okV := intField(root.Get("v"))
		if !okU || !okV {
			return Observation{}, false
		}
		obs.U, obs.V = u, v
	case KindCycleHit:
		nodes := root.Get("nodes")
		if !nodes.IsArray() {
			return Observation{}, false
		}
		for _, n := range nodes.Array() {
			id, ok := intField(n)
			if !ok {
				return Observation{}, false
			}
			obs.Nodes = append(obs.Nodes, id)
		}
	}
	if !obs.Valid() {
		return Observation{}, false
	}
	return obs, true
}

func intField(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	f := r.Float()
	if f != float64(int64(f)) {
		return 0, false
	}
	return int(r.Int()), true
}
