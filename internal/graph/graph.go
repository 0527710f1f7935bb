// Package graph assembles the per-task knowledge graph from fragments
// produced by workers. Merge is pure: it never mutates its inputs.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Node is an entity in the knowledge graph.
type Node struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Type       string  `json:"type,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Edge is a labelled relation between two nodes.
type Edge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Label      string  `json:"label"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// Key returns the identity of the edge.
func (e Edge) Key() string {
	return NodeID(e.Source) + "\x1f" + NodeID(e.Target) + "\x1f" + normalizeLabel(e.Label)
}

// Fragment is a partial graph contributed by one worker result.
// Fragments with the same ID are applied at most once.
type Fragment struct {
	ID    string `json:"id,omitempty"`
	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`
}

// Empty reports whether the fragment carries nothing.
func (f Fragment) Empty() bool {
	return len(f.Nodes) == 0 && len(f.Edges) == 0
}

// Graph is the assembled knowledge graph of one task. Nodes and edges are
// only ever added or strengthened.
type Graph struct {
	Nodes   map[string]Node `json:"nodes"`
	Edges   map[string]Edge `json:"edges"`
	Applied map[string]bool `json:"applied,omitempty"`
}

// New returns an empty graph.
func New() Graph {
	return Graph{
		Nodes:   make(map[string]Node),
		Edges:   make(map[string]Edge),
		Applied: make(map[string]bool),
	}
}

// NodeID maps a label to its stable node identity: case-folded with
// whitespace collapsed.
func NodeID(label string) string {
	return normalizeLabel(label)
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes:   make(map[string]Node, len(g.Nodes)),
		Edges:   make(map[string]Edge, len(g.Edges)),
		Applied: make(map[string]bool, len(g.Applied)),
	}
	for k, v := range g.Nodes {
		out.Nodes[k] = v
	}
	for k, v := range g.Edges {
		out.Edges[k] = v
	}
	for k := range g.Applied {
		out.Applied[k] = true
	}
	return out
}

// Len returns the number of nodes and edges.
func (g Graph) Len() (nodes, edges int) {
	return len(g.Nodes), len(g.Edges)
}

// FragmentID returns f.ID, or a content hash when the fragment is anonymous.
func FragmentID(f Fragment) string {
	if f.ID != "" {
		return f.ID
	}
	data, _ := json.Marshal(Fragment{Nodes: f.Nodes, Edges: f.Edges})
	sum := sha256.Sum256(data)
	return "anon:" + hex.EncodeToString(sum[:8])
}

// Merge returns existing with fragment applied. Nodes are unified by NodeID
// keeping the highest confidence; edges are unified by (source, target,
// label) with weights summed (at micro precision) and capped at 1 and the highest confidence.
// Label and type conflicts resolve to the lexicographically smallest
// non-empty value so the result does not depend on merge order.
func Merge(existing Graph, fragment Fragment) Graph {
	out := existing.Clone()

	id := FragmentID(fragment)
	if out.Applied[id] {
		return out
	}
	out.Applied[id] = true

	for _, n := range fragment.Nodes {
		label := strings.TrimSpace(n.Label)
		if label == "" {
			label = strings.TrimSpace(n.ID)
		}
		nid := NodeID(label)
		if nid == "" {
			continue
		}
		out.Nodes[nid] = mergeNode(out.Nodes[nid], Node{
			ID:         nid,
			Label:      label,
			Type:       strings.TrimSpace(n.Type),
			Confidence: clamp(n.Confidence),
		})
	}

	for _, e := range fragment.Edges {
		src, tgt := NodeID(e.Source), NodeID(e.Target)
		lbl := normalizeLabel(e.Label)
		if src == "" || tgt == "" || lbl == "" {
			continue
		}
		conf := clamp(e.Confidence)

		// Endpoints referenced only by edges become nodes.
		for _, end := range []struct{ id, label string }{{src, e.Source}, {tgt, e.Target}} {
			out.Nodes[end.id] = mergeNode(out.Nodes[end.id], Node{
				ID:         end.id,
				Label:      strings.TrimSpace(end.label),
				Confidence: 0,
			})
		}

		units := weightUnits(clamp(e.Weight))
		edge := Edge{Source: src, Target: tgt, Label: lbl, Confidence: conf}
		key := edge.Key()
		if prev, ok := out.Edges[key]; ok {
			units = min(weightScale, weightUnits(prev.Weight)+units)
			edge.Confidence = math.Max(prev.Confidence, edge.Confidence)
		}
		edge.Weight = float64(units) / weightScale
		out.Edges[key] = edge
	}

	return out
}

// MergeAll folds fragments into existing in order.
func MergeAll(existing Graph, fragments ...Fragment) Graph {
	out := existing
	if out.Nodes == nil {
		out = New()
	}
	for _, f := range fragments {
		out = Merge(out, f)
	}
	return out
}

func mergeNode(prev, next Node) Node {
	if prev.ID == "" {
		return next
	}
	return Node{
		ID:         prev.ID,
		Label:      pickString(prev.Label, next.Label),
		Type:       pickString(prev.Type, next.Type),
		Confidence: math.Max(prev.Confidence, next.Confidence),
	}
}

func pickString(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	default:
		return a
	}
}

// Edge weights are summed in millionths so the total is exact regardless of
// the order fragments arrive in.
const weightScale = 1_000_000

func weightUnits(w float64) int64 {
	return int64(math.Round(w * weightScale))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > 1 {
		return 1
	}
	return v
}

// SortedNodes returns nodes ordered by id.
func (g Graph) SortedNodes() []Node {
	out := make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedEdges returns edges ordered by key.
func (g Graph) SortedEdges() []Edge {
	out := make([]Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// View is the wire form of a graph: sorted node and edge lists.
type View struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// View returns the wire form of g.
func (g Graph) View() View {
	return View{Nodes: g.SortedNodes(), Edges: g.SortedEdges()}
}

// FromView rebuilds a graph from its wire form, treating the view as one
// fragment.
func FromView(id string, v View) Graph {
	return Merge(New(), Fragment{ID: id, Nodes: v.Nodes, Edges: v.Edges})
}
