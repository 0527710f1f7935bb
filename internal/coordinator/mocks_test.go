package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"deepresearch/internal/bus"
	"deepresearch/internal/graph"
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"
	"deepresearch/internal/workers"
)

// staticDecomposer returns fixed focus areas.
type staticDecomposer []string

func (d staticDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	out := []string(d)
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// blockingDecomposer waits for release or cancellation.
type blockingDecomposer struct {
	release chan struct{}
	topics  []string
}

func (d *blockingDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	select {
	case <-d.release:
		return d.topics, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stubWorker delegates to fn and counts calls per focus area.
type stubWorker struct {
	fn func(ctx context.Context, req workers.Request) (*workers.Result, error)

	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newStubWorker(fn func(ctx context.Context, req workers.Request) (*workers.Result, error)) *stubWorker {
	return &stubWorker{fn: fn, calls: make(map[string]int)}
}

func (w *stubWorker) Research(ctx context.Context, req workers.Request) (*workers.Result, error) {
	w.mu.Lock()
	w.calls[req.FocusArea]++
	w.mu.Unlock()

	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		prev := w.maxSeen.Load()
		if n <= prev || w.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	return w.fn(ctx, req)
}

func (w *stubWorker) callsFor(topic string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[topic]
}

func (w *stubWorker) totalCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		n += c
	}
	return n
}

// okResult is a successful result with a small fragment: the topic linked
// to a node every focus area shares.
func okResult(req workers.Request) *workers.Result {
	return &workers.Result{
		Summary:   "summary of " + req.FocusArea,
		KeyPoints: []string{fmt.Sprintf("Key finding about %s topics.", req.FocusArea)},
		Sources:   []types.Source{{URL: "https://example.com/" + req.FocusArea, Title: req.FocusArea}},
		Fragment: graph.Fragment{
			ID: req.FragmentID(),
			Nodes: []graph.Node{
				{Label: req.FocusArea, Type: "topic", Confidence: 0.9},
				{Label: "Shared", Type: "entity", Confidence: 0.5},
			},
			Edges: []graph.Edge{
				{Source: req.FocusArea, Target: "Shared", Label: "covers", Weight: 0.4, Confidence: 0.6},
			},
		},
	}
}

func succeed(ctx context.Context, req workers.Request) (*workers.Result, error) {
	return okResult(req), nil
}

// recorder is a bus subscriber keeping every event.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Deliver(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}

func (r *recorder) types() []protocol.MessageType {
	var out []protocol.MessageType
	for _, ev := range r.all() {
		out = append(out, ev.Message.Type())
	}
	return out
}
