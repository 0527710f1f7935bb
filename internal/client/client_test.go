package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deepresearch/internal/auth"
	"deepresearch/internal/backoff"
	"deepresearch/internal/config"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/graph"
	"deepresearch/internal/protocol"
	"deepresearch/internal/session"
	"deepresearch/internal/types"
	"deepresearch/internal/workers"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticDecomposer []string

func (d staticDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	return []string(d), nil
}

// gatedWorker succeeds once gate is closed. A nil gate never blocks.
type gatedWorker struct{ gate chan struct{} }

func (w gatedWorker) Research(ctx context.Context, req workers.Request) (*workers.Result, error) {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &workers.Result{
		Summary:   "summary of " + req.FocusArea,
		KeyPoints: []string{"Notable finding about " + req.FocusArea + " today."},
		Sources:   []types.Source{{URL: "https://example.org/" + req.FocusArea}},
		Fragment:  graph.Fragment{ID: req.FragmentID(), Nodes: []graph.Node{{Label: req.FocusArea, Confidence: 0.7}}},
	}, nil
}

type server struct {
	mgr *coordinator.Manager
	hub *session.Hub
	url string
}

func newServer(t *testing.T, w workers.Worker) *server {
	t.Helper()
	limits := config.DefaultLimits()
	limits.TaskTimeout = "5s"
	limits.MaxRetries = 0
	limits.RetryDelay = "0s"

	mgr := coordinator.NewManager(coordinator.Options{
		Worker:     w,
		Decomposer: staticDecomposer{"alpha", "beta"},
		Limits:     limits,
	})
	hub := session.NewHub(mgr, auth.StaticTokens{"tok-a": "alice"}, session.Options{}, nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(context.Background(), conn)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, hub.Close(ctx))
		srv.Close()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return &server{mgr: mgr, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1.5}
}

func dial(t *testing.T, srv *server) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, Options{URL: srv.url, Token: "tok-a", Policy: fastPolicy(5)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event stream closed: %v", s.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// firstTaskEvent returns the first event that belongs to a task.
func firstTaskEvent(t *testing.T, s *Session) Event {
	t.Helper()
	for {
		if ev := nextEvent(t, s); ev.Envelope.TaskID != "" {
			return ev
		}
	}
}

func untilTerminal(t *testing.T, s *Session, taskID string) []Event {
	t.Helper()
	var out []Event
	for {
		ev := nextEvent(t, s)
		if ev.Envelope.TaskID != taskID {
			continue
		}
		out = append(out, ev)
		if protocol.IsTerminal(ev.Message) {
			return out
		}
	}
}

func (s *Session) dropConnection() *websocket.Conn {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_ = conn.Close()
	return conn
}

func TestQueryStreamsToCompletion(t *testing.T) {
	srv := newServer(t, gatedWorker{})
	s := dial(t, srv)
	assert.Equal(t, "alice", s.Principal())
	assert.NotEmpty(t, s.ID())

	requestID, err := s.Query(protocol.ResearchQuery{Query: "quantum computing", ContinuousMode: true})
	require.NoError(t, err)

	first := firstTaskEvent(t, s)
	assert.Equal(t, requestID, first.Envelope.RequestID)
	events := untilTerminal(t, s, first.Envelope.TaskID)

	last := events[len(events)-1]
	done, ok := last.Message.(protocol.ResearchCompleted)
	require.True(t, ok, "got %T", last.Message)
	assert.Len(t, done.FocusAreas, 2)
	assert.Equal(t, 100, last.Envelope.Progress)
}

func TestReconnectResumesWithoutDuplicates(t *testing.T) {
	gate := make(chan struct{})
	srv := newServer(t, gatedWorker{gate: gate})
	s := dial(t, srv)
	id := s.ID()

	_, err := s.Query(protocol.ResearchQuery{Query: "quantum computing", ContinuousMode: true})
	require.NoError(t, err)
	first := firstTaskEvent(t, s)
	taskID := first.Envelope.TaskID

	old := s.dropConnection()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != old
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, s.ID())

	close(gate)
	events := untilTerminal(t, s, taskID)

	prev := first.Envelope.Seq
	terminals := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Envelope.Seq, prev)
		prev = ev.Envelope.Seq
		if protocol.IsTerminal(ev.Message) {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)

	task, err := srv.mgr.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
}

func TestSubscribeReplaysFinishedTask(t *testing.T) {
	srv := newServer(t, gatedWorker{})
	task, err := srv.mgr.Start(context.Background(), coordinator.StartRequest{Principal: "alice", Query: "fusion energy", ContinuousMode: true})
	require.NoError(t, err)
	<-srv.mgr.Done(task.ID)

	s := dial(t, srv)
	require.NoError(t, s.Subscribe(task.ID))
	events := untilTerminal(t, s, task.ID)
	require.NotEmpty(t, events)
	_, ok := events[len(events)-1].Message.(protocol.ResearchCompleted)
	assert.True(t, ok)
}

func TestCancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv := newServer(t, gatedWorker{gate: gate})
	s := dial(t, srv)

	_, err := s.Query(protocol.ResearchQuery{Query: "quantum computing", ContinuousMode: true})
	require.NoError(t, err)
	taskID := firstTaskEvent(t, s).Envelope.TaskID

	require.NoError(t, s.Cancel(taskID))
	events := untilTerminal(t, s, taskID)
	update, ok := events[len(events)-1].Message.(protocol.ResearchUpdate)
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, update.Status)
}

func TestConnectionLostAfterRetries(t *testing.T) {
	srv := newServer(t, gatedWorker{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, Options{URL: srv.url, Token: "tok-a", Policy: fastPolicy(3)})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, srv.hub.Close(ctx))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.ErrorIs(t, s.Err(), ErrConnectionLost)
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestDialRejectedToken(t *testing.T) {
	srv := newServer(t, gatedWorker{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Dial(ctx, Options{URL: srv.url, Token: "nope", Policy: backoff.Policy{MaxAttempts: 5, BaseDelay: time.Second}})
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Options{URL: "ws://" + addr + "/ws", Token: "tok-a", Policy: fastPolicy(2)})
	assert.ErrorIs(t, err, backoff.ErrMaxAttempts)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newServer(t, gatedWorker{})
	s := dial(t, srv)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Cancel("task"), ErrClosed)
}

func TestAcceptDeduplicates(t *testing.T) {
	s := &Session{tasks: make(map[string]*taskState)}
	update := protocol.ResearchUpdate{Status: types.StatusInProgress}
	done := protocol.ResearchCompleted{}

	steps := []struct {
		name string
		env  protocol.Envelope
		msg  protocol.ServerMessage
		want bool
	}{
		{"untargeted", protocol.Envelope{}, protocol.Error{ErrorCode: protocol.CodeBadMessage}, true},
		{"first", protocol.Envelope{TaskID: "t", Seq: 3}, update, true},
		{"older", protocol.Envelope{TaskID: "t", Seq: 2}, update, false},
		{"snapshot shares seq", protocol.Envelope{TaskID: "t", Seq: 3}, update, true},
		{"newer", protocol.Envelope{TaskID: "t", Seq: 4}, update, true},
		{"terminal", protocol.Envelope{TaskID: "t", Seq: 5}, done, true},
		{"after terminal", protocol.Envelope{TaskID: "t", Seq: 5}, done, false},
		{"other task", protocol.Envelope{TaskID: "u", Seq: 1}, update, true},
	}
	for _, st := range steps {
		assert.Equal(t, st.want, s.accept(st.env, st.msg), st.name)
	}
}
