// Package coordinator drives research tasks from request to terminal state.
//
// The Manager accepts requests, answers from the cache when it can, and
// otherwise starts one Coordinator goroutine per task. The Coordinator is the
// only writer of its task: it decomposes the query, fans focus areas out to
// the worker pipeline under a global concurrency limit, merges graph
// fragments, and publishes every state change to the event bus in the same
// critical section that commits it to the registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"deepresearch/internal/bus"
	"deepresearch/internal/cache"
	"deepresearch/internal/config"
	"deepresearch/internal/graph"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
	"deepresearch/internal/registry"
	"deepresearch/internal/telemetry"
	"deepresearch/internal/types"
	"deepresearch/internal/workers"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Options wires a Manager. Cache and Metrics may be nil.
type Options struct {
	Registry    *registry.Registry
	Bus         *bus.Bus
	Cache       *cache.Cache
	Worker      workers.Worker
	Decomposer  workers.Decomposer
	Synthesizer workers.Synthesizer
	Limits      config.Limits
	Metrics     *telemetry.Metrics

	// NewID generates task ids. Defaults to uuid.NewString.
	NewID func() string
}

// StartRequest is a research query from a principal.
type StartRequest struct {
	Principal      string
	RequestID      string
	Query          string
	ContinuousMode bool
	ForceRefresh   bool
}

// Manager owns every running Coordinator.
type Manager struct {
	reg         *registry.Registry
	bus         *bus.Bus
	cache       *cache.Cache
	worker      workers.Worker
	decomposer  workers.Decomposer
	synthesizer workers.Synthesizer
	metrics     *telemetry.Metrics
	newID       func() string

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	limits config.Limits
	sem    *semaphore.Weighted
	active map[string]*Coordinator
	closed bool
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Decomposer == nil {
		opts.Decomposer = workers.HeuristicDecomposer{}
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = workers.HeuristicSynthesizer{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	limits := opts.Limits
	if limits.MaxConcurrentTasks < 1 {
		limits = config.DefaultLimits()
	}

	ctx, stop := context.WithCancelCause(context.Background())
	return &Manager{
		reg:         opts.Registry,
		bus:         opts.Bus,
		cache:       opts.Cache,
		worker:      opts.Worker,
		decomposer:  opts.Decomposer,
		synthesizer: opts.Synthesizer,
		metrics:     opts.Metrics,
		newID:       opts.NewID,
		baseCtx:     ctx,
		stop:        stop,
		limits:      limits,
		sem:         semaphore.NewWeighted(int64(limits.MaxConcurrentTasks)),
		active:      make(map[string]*Coordinator),
	}
}

// Registry returns the task registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Bus returns the event bus.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Limits returns the limits new tasks start with.
func (m *Manager) Limits() config.Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// UpdateLimits applies new limits to tasks started from now on. Running
// tasks keep the limits and concurrency pool they started with.
func (m *Manager) UpdateLimits(l config.Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.MaxConcurrentTasks != m.limits.MaxConcurrentTasks {
		m.sem = semaphore.NewWeighted(int64(l.MaxConcurrentTasks))
	}
	m.limits = l
	if m.cache != nil {
		m.cache.SetTTL(l.GetCacheTTL())
	}
	logging.Coordinator("limits updated: concurrency=%d timeout=%v retries=%d delay=%v",
		l.MaxConcurrentTasks, l.GetTaskTimeout(), l.MaxRetries, l.GetRetryDelay())
	return nil
}

func (m *Manager) validate(req StartRequest, l config.Limits) (string, error) {
	query := strings.TrimSpace(req.Query)
	n := utf8.RuneCountInString(query)
	if n < l.MinQueryLength {
		return "", &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at least %d characters", l.MinQueryLength)}
	}
	if n > l.MaxQueryLength {
		return "", &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", l.MaxQueryLength)}
	}
	return query, nil
}

// Start validates req and creates a task. A cache hit returns an already
// completed task; otherwise the returned snapshot is pending and a
// Coordinator runs it in the background.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*types.Task, error) {
	m.mu.Lock()
	closed, limits, sem := m.closed, m.limits, m.sem
	m.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	query, err := m.validate(req, limits)
	if err != nil {
		return nil, err
	}

	if m.cache != nil && !req.ForceRefresh {
		res, hit := m.cache.Lookup(ctx, query)
		m.metrics.CacheLookup(ctx, hit)
		if hit {
			return m.startFromCache(ctx, req, query, res)
		}
	}

	task := &types.Task{
		ID:             m.newID(),
		RequestID:      req.RequestID,
		Principal:      req.Principal,
		Query:          query,
		Status:         types.StatusPending,
		ContinuousMode: req.ContinuousMode,
		Graph:          graph.New(),
		CreatedAt:      time.Now().UTC(),
	}
	c, err := m.register(task, req.ContinuousMode, limits, sem)
	if err != nil {
		return nil, err
	}

	snap, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		return []protocol.ServerMessage{updateMessage(t, protocol.StateQueued)}, nil
	})
	if err != nil {
		m.forget(task.ID)
		c.writer.Release()
		m.wg.Done()
		return nil, err
	}

	m.metrics.TaskStarted(ctx)
	logging.WithTask(logging.CategoryCoordinator, task.ID).Info("started %q (continuous=%v principal=%s)",
		query, req.ContinuousMode, req.Principal)

	go func() {
		defer m.wg.Done()
		c.run()
	}()
	return snap, nil
}

// register creates and claims the task under the manager lock, so a
// concurrent Shutdown either sees the coordinator or no task is created.
func (m *Manager) register(task *types.Task, continuous bool, limits config.Limits, sem *semaphore.Weighted) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if err := m.reg.Create(task); err != nil {
		return nil, err
	}
	writer, err := m.reg.Claim(task.ID)
	if err != nil {
		return nil, err
	}
	c := newCoordinator(m, writer, continuous, limits, sem)
	m.active[task.ID] = c
	m.wg.Add(1)
	return c, nil
}

func (m *Manager) startFromCache(ctx context.Context, req StartRequest, query string, res *types.CachedResult) (*types.Task, error) {
	now := time.Now().UTC()
	task := &types.Task{
		ID:             m.newID(),
		RequestID:      req.RequestID,
		Principal:      req.Principal,
		Query:          query,
		Status:         types.StatusCompleted,
		Progress:       100,
		ContinuousMode: req.ContinuousMode,
		FocusAreas:     res.FocusAreas,
		Summary:        res.Summary,
		FollowUps:      res.FollowUps,
		CacheHit:       true,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	task.Graph = graph.FromView(task.ID+"/cache", res.Graph)

	msgs := completionMessages(task)
	task.Seq = uint64(len(msgs))
	if err := m.reg.Create(task); err != nil {
		return nil, err
	}
	publish(m.bus, task, msgs)

	m.metrics.TaskStarted(ctx)
	m.metrics.TaskFinished(ctx, string(types.StatusCompleted), true)
	logging.WithTask(logging.CategoryCoordinator, task.ID).Info("cache hit for %q", query)
	return task.Clone(), nil
}

// publish sends msgs as the events numbered t.Seq-len(msgs)+1 .. t.Seq.
func publish(b *bus.Bus, t *types.Task, msgs []protocol.ServerMessage) {
	base := t.Seq - uint64(len(msgs))
	for i, msg := range msgs {
		b.Publish(bus.Event{
			TaskID:    t.ID,
			RequestID: t.RequestID,
			Seq:       base + uint64(i) + 1,
			Progress:  EventProgress(t, msg),
			Message:   msg,
			Terminal:  protocol.IsTerminal(msg),
		})
	}
}

// Get returns a snapshot of a task.
func (m *Manager) Get(id string) (*types.Task, error) {
	return m.reg.Get(id)
}

// List returns the principal's tasks.
func (m *Manager) List(principal string) []*types.Task {
	return m.reg.List(principal)
}

// Authorize checks that principal may act on task id.
func (m *Manager) Authorize(id, principal string) (*types.Task, error) {
	t, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if principal != "" && t.Principal != "" && t.Principal != principal {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return t, nil
}

// Cancel moves a running task to cancelled and stops its workers.
func (m *Manager) Cancel(id, principal string) (*types.Task, error) {
	t, err := m.Authorize(id, principal)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, t.Status)
	}

	m.mu.Lock()
	c := m.active[id]
	m.mu.Unlock()
	if c == nil {
		return t, fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
	}
	return c.cancelTask("cancelled by request")
}

// Done returns a channel closed when the task's coordinator has exited. It
// is already closed for tasks without a running coordinator.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.Lock()
	c := m.active[id]
	m.mu.Unlock()
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Active returns the number of running coordinators.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Sweep evicts terminal tasks older than CACHE_TTL that no session is
// subscribed to, along with their bus topics.
func (m *Manager) Sweep(inUse func(id string) bool) int {
	retention := m.Limits().GetCacheTTL()
	var evicted []string
	n := m.reg.Sweep(retention, func(id string) bool {
		if m.bus.SubscriberCount(id) > 0 || (inUse != nil && inUse(id)) {
			return true
		}
		evicted = append(evicted, id)
		return false
	})
	for _, id := range evicted {
		m.bus.Remove(id)
	}
	return n
}

// Shutdown cancels every running task and waits for the coordinators to
// exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	running := len(m.active)
	m.mu.Unlock()

	m.stop(ErrShuttingDown)
	logging.Coordinator("shutting down, %d tasks running", running)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShuttingDown, ctx.Err())
	}
}
