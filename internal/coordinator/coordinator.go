package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"deepresearch/internal/backoff"
	"deepresearch/internal/config"
	"deepresearch/internal/graph"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
	"deepresearch/internal/registry"
	"deepresearch/internal/telemetry"
	"deepresearch/internal/types"
	"deepresearch/internal/workers"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errLate rejects a result that arrives after its focus area stopped
// mattering (non-continuous task already satisfied, area concluded).
var errLate = errors.New("late result")

// Coordinator runs one task. It holds the task's registry Writer for its
// whole life.
type Coordinator struct {
	m      *Manager
	id     string
	writer *registry.Writer
	limits config.Limits
	sem    *semaphore.Weighted
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// mu serializes commit+publish so bus order equals registry order.
	mu        sync.Mutex
	satisfied bool // non-continuous task has its first success

	continuous bool
}

func newCoordinator(m *Manager, w *registry.Writer, continuous bool, limits config.Limits, sem *semaphore.Weighted) *Coordinator {
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	return &Coordinator{
		m:      m,
		id:     w.TaskID(),
		writer: w,
		limits: limits,
		sem:    sem,
		log:    logging.WithTask(logging.CategoryCoordinator, w.TaskID()),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		continuous: continuous,
	}
}

// commit applies fn to the task and publishes the messages it returns, in
// order, numbered after the task's current seq. Nothing is published when
// fn or the registry rejects the update.
func (c *Coordinator) commit(fn func(t *types.Task) ([]protocol.ServerMessage, error)) (*types.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []protocol.ServerMessage
	snap, err := c.writer.Update(func(t *types.Task) error {
		var err error
		msgs, err = fn(t)
		if err != nil {
			return err
		}
		t.Seq += uint64(len(msgs))
		return nil
	})
	if err != nil {
		return nil, err
	}
	publish(c.m.bus, snap, msgs)
	return snap, nil
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.m.forget(c.id)
	defer c.writer.Release()
	defer c.cancel(nil)

	snap, err := c.m.reg.Get(c.id)
	if err != nil {
		c.log.Error("task vanished before start: %v", err)
		return
	}

	ctx, span := telemetry.Tracer().Start(c.ctx, "research.task", trace.WithAttributes(
		attribute.String("task.id", c.id),
		attribute.Bool("task.continuous", snap.ContinuousMode),
	))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryCoordinator, "task "+c.id)
	defer timer.Stop()

	topics, err := c.m.decomposer.Decompose(ctx, snap.Query, c.limits.MaxFocusAreas)
	if err == nil && len(topics) == 0 {
		err = errors.New("no focus areas")
	}
	if err != nil {
		if c.finishIfCancelled(ctx) {
			return
		}
		c.fail(ctx, fmt.Errorf("decompose: %w", err))
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if len(topics) > c.limits.MaxFocusAreas {
		topics = topics[:c.limits.MaxFocusAreas]
	}

	if _, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		t.Status = types.StatusInProgress
		t.Progress = 0
		t.FocusAreas = make([]types.FocusArea, len(topics))
		for i, topic := range topics {
			t.FocusAreas[i] = types.FocusArea{Topic: topic}
		}
		return []protocol.ServerMessage{updateMessage(t, protocol.StateResearching)}, nil
	}); err != nil {
		c.log.Debug("not starting fan-out: %v", err)
		return
	}
	c.log.Info("decomposed into %d focus areas", len(topics))

	c.fanOut(ctx, snap.Query, topics)

	if c.finishIfCancelled(ctx) {
		span.SetStatus(codes.Error, "cancelled")
		return
	}
	if err := c.conclude(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
}

// fanOut researches every focus area with at most MaxConcurrentTasks worker
// calls in flight across all tasks. Slots are taken in focus-area order, so
// earlier areas always start first. In non-continuous mode the first
// success stops the fan-out.
func (c *Coordinator) fanOut(ctx context.Context, query string, topics []string) {
	fanCtx, stopFan := context.WithCancel(ctx)
	defer stopFan()

	var g errgroup.Group
	for i, topic := range topics {
		if err := c.sem.Acquire(fanCtx, 1); err != nil {
			break
		}
		if fanCtx.Err() != nil {
			c.sem.Release(1)
			break
		}
		g.Go(func() error {
			defer c.sem.Release(1)

			out := c.research(fanCtx, workers.Request{
				TaskID:    c.id,
				Query:     query,
				FocusArea: topic,
				Index:     i,
			})
			if out.err != nil && fanCtx.Err() != nil && !errors.Is(out.err, ErrFocusAreaTimeout) {
				// Cancelled from above; the area stays unconcluded.
				return nil
			}
			if c.record(ctx, i, out) && !c.continuous {
				stopFan()
			}
			return nil
		})
	}
	_ = g.Wait()
}

type outcome struct {
	res      *workers.Result
	err      error
	attempts int
	elapsed  time.Duration
}

// research runs one focus area with retries, all bounded by TASK_TIMEOUT.
func (c *Coordinator) research(ctx context.Context, req workers.Request) outcome {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "research.focus_area", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.Int("focus.index", req.Index),
		attribute.String("focus.topic", req.FocusArea),
	))
	defer span.End()

	tctx, cancel := context.WithTimeoutCause(ctx, c.limits.GetTaskTimeout(), ErrFocusAreaTimeout)
	defer cancel()

	var partial *workers.Result
	attempts := 0
	policy := backoff.Constant(c.limits.MaxRetries, c.limits.GetRetryDelay())
	notify := func(attempt int, err error, wait time.Duration) {
		c.log.Warn("focus %d %q attempt %d failed, retrying in %v: %v", req.Index, req.FocusArea, attempt+1, wait, err)
	}

	res, err := backoff.Retry(tctx, policy, notify, func(ctx context.Context, attempt int) (*workers.Result, error) {
		attempts = attempt + 1
		r := req
		r.Attempt = attempt
		res, err := c.callWorker(ctx, r)
		if err != nil {
			if res != nil && !res.Fragment.Empty() {
				partial = res
			}
			return nil, fmt.Errorf("%w: %w", ErrWorkerFailure, err)
		}
		return res, nil
	})

	if err != nil {
		if cause := context.Cause(tctx); errors.Is(cause, ErrFocusAreaTimeout) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %v: %w", ErrFocusAreaTimeout, c.limits.GetTaskTimeout(), err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res = partial
	}
	return outcome{res: res, err: err, attempts: attempts, elapsed: time.Since(start)}
}

// callWorker abandons a worker that ignores cancellation once ctx is done.
func (c *Coordinator) callWorker(ctx context.Context, req workers.Request) (*workers.Result, error) {
	if c.m.worker == nil {
		return nil, errors.New("no worker configured")
	}
	type reply struct {
		res *workers.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := c.m.worker.Research(ctx, req)
		ch <- reply{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// record concludes focus area i and reports whether it completed.
func (c *Coordinator) record(ctx context.Context, i int, out outcome) bool {
	c.m.metrics.FocusAreaDone(ctx, out.elapsed, out.err != nil)

	completed := false
	_, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		if c.satisfied || i >= len(t.FocusAreas) || t.FocusAreas[i].Concluded() {
			return nil, errLate
		}
		fa := &t.FocusAreas[i]
		fa.Attempts = out.attempts

		if out.err == nil && out.res != nil {
			fa.Completed = true
			fa.Summary = out.res.Summary
			fa.KeyPoints = append([]string(nil), out.res.KeyPoints...)
			fa.Sources = append([]types.Source(nil), out.res.Sources...)
		} else {
			fa.Failed = true
			fa.Error = errString(out.err)
			if out.res != nil {
				fa.Sources = append([]types.Source(nil), out.res.Sources...)
			}
		}

		grew := false
		if out.res != nil && !out.res.Fragment.Empty() {
			beforeN, beforeE := t.Graph.Len()
			t.Graph = graph.Merge(t.Graph, out.res.Fragment)
			afterN, afterE := t.Graph.Len()
			grew = afterN != beforeN || afterE != beforeE
		}

		t.Progress = progressOf(t)
		msgs := []protocol.ServerMessage{updateMessage(t, protocol.StateResearching)}
		if grew {
			msgs = append(msgs, graphMessage(t))
		}
		if fa.Completed && !t.ContinuousMode {
			c.satisfied = true
		}
		completed = fa.Completed
		return msgs, nil
	})
	switch {
	case err == nil:
		if out.err != nil {
			c.log.Warn("focus %d failed after %d attempts: %v", i, out.attempts, out.err)
		} else {
			c.log.Debug("focus %d completed in %v", i, out.elapsed)
		}
	case errors.Is(err, errLate), errors.Is(err, registry.ErrTerminal):
		c.log.Debug("discarding result for focus %d: %v", i, err)
	default:
		c.log.Error("record focus %d: %v", i, err)
	}
	return err == nil && completed
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// progressOf is the share of concluded focus areas, held below 100 until
// the task completes.
func progressOf(t *types.Task) int {
	if len(t.FocusAreas) == 0 {
		return 0
	}
	done, failed := t.Concluded()
	p := int(math.Round(100 * float64(done+failed) / float64(len(t.FocusAreas))))
	if p > 99 {
		p = 99
	}
	return p
}

// conclude synthesizes a completed task, or fails it when no focus area
// completed.
func (c *Coordinator) conclude(ctx context.Context) error {
	snap, err := c.m.reg.Get(c.id)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return nil
	}

	completed, _ := snap.Concluded()
	if completed == 0 {
		var reasons []string
		for _, fa := range snap.FocusAreas {
			if fa.Failed {
				reasons = append(reasons, fmt.Sprintf("%s: %s", fa.Topic, fa.Error))
			}
		}
		err := fmt.Errorf("%w: %s", ErrAllFocusAreasFailed, strings.Join(reasons, "; "))
		c.fail(ctx, err)
		return err
	}

	if _, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		return []protocol.ServerMessage{updateMessage(t, protocol.StateSynthesizing)}, nil
	}); err != nil {
		return err
	}

	syn, err := c.m.synthesizer.Synthesize(ctx, snap.Query, snap.FocusAreas)
	if err != nil {
		if c.finishIfCancelled(ctx) {
			return ctx.Err()
		}
		c.log.Warn("synthesis failed, using extractive fallback: %v", err)
		syn, err = workers.HeuristicSynthesizer{}.Synthesize(ctx, snap.Query, snap.FocusAreas)
		if err != nil {
			c.fail(ctx, fmt.Errorf("synthesize: %w", err))
			return err
		}
	}

	final, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		t.Status = types.StatusCompleted
		t.Progress = 100
		t.Summary = syn.Summary
		t.FollowUps = append([]string(nil), syn.FollowUps...)
		return completionMessages(t), nil
	})
	if err != nil {
		c.log.Debug("completion rejected: %v", err)
		return nil
	}

	c.m.metrics.TaskFinished(ctx, string(types.StatusCompleted), false)
	c.log.Info("completed with %d focus areas, graph nodes=%d", completed, len(final.Graph.Nodes))
	c.store(final)
	return nil
}

// store caches complete results: continuous mode and no failed areas.
func (c *Coordinator) store(t *types.Task) {
	if c.m.cache == nil || !t.ContinuousMode {
		return
	}
	if _, failed := t.Concluded(); failed > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()
	err := c.m.cache.Save(ctx, t.Query, &types.CachedResult{
		Query:      t.Query,
		Summary:    t.Summary,
		FocusAreas: t.FocusAreas,
		FollowUps:  t.FollowUps,
		Graph:      t.Graph.View(),
	})
	if err != nil {
		c.log.Warn("cache save failed: %v", err)
	}
}

func (c *Coordinator) fail(ctx context.Context, cause error) {
	_, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		t.Status = types.StatusFailed
		t.Error = cause.Error()
		return failureMessages(t), nil
	})
	if err != nil {
		c.log.Debug("failure rejected: %v", err)
		return
	}
	c.m.metrics.TaskFinished(ctx, string(types.StatusFailed), false)
	c.log.Warn("failed: %v", cause)
}

// finishIfCancelled marks the task cancelled when ctx was cancelled. It
// reports whether the task is (now) finished because of cancellation.
func (c *Coordinator) finishIfCancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	reason := "cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	_, _ = c.cancelTask(reason)
	return true
}

// cancelTask commits the cancelled status, then stops in-flight work.
func (c *Coordinator) cancelTask(reason string) (*types.Task, error) {
	snap, err := c.commit(func(t *types.Task) ([]protocol.ServerMessage, error) {
		t.Status = types.StatusCancelled
		return []protocol.ServerMessage{updateMessage(t, protocol.StateIdle)}, nil
	})
	c.cancel(context.Canceled)
	if err != nil {
		if errors.Is(err, registry.ErrTerminal) {
			cur, _ := c.m.reg.Get(c.id)
			return cur, fmt.Errorf("%w: %s", ErrAlreadyFinished, c.id)
		}
		return nil, err
	}
	c.m.metrics.TaskFinished(context.Background(), string(types.StatusCancelled), false)
	c.log.Info("cancelled: %s", reason)
	return snap, nil
}
