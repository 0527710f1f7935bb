package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deepresearch/internal/auth"
	"deepresearch/internal/config"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/graph"
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"
	"deepresearch/internal/workers"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type staticDecomposer []string

func (d staticDecomposer) Decompose(ctx context.Context, query string, max int) ([]string, error) {
	return []string(d), nil
}

// gatedWorker succeeds once gate is closed. A nil gate never blocks.
type gatedWorker struct {
	gate chan struct{}
}

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
		KeyPoints: []string{"Important point about " + req.FocusArea + " research."},
		Sources:   []types.Source{{URL: "https://example.org/" + req.FocusArea, Title: req.FocusArea}},
		Fragment: graph.Fragment{
			ID:    req.FragmentID(),
			Nodes: []graph.Node{{Label: req.FocusArea, Type: "topic", Confidence: 0.9}},
		},
	}, nil
}

type harness struct {
	mgr *coordinator.Manager
	hub *Hub
	url string
}

func newHarness(t *testing.T, w workers.Worker, opts Options) *harness {
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
	hub := NewHub(mgr, auth.StaticTokens{"tok-a": "alice", "tok-b": "bob"}, opts, nil)

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
	return &harness{mgr: mgr, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// wsClient is a bare protocol client used to drive sessions.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg protocol.ClientMessage, requestID string) {
	c.t.Helper()
	env, err := protocol.Wrap(msg, "", requestID)
	require.NoError(c.t, err)
	frame, err := protocol.Encode(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// read returns the next frame, answering pings on the way.
func (c *wsClient) read() (protocol.Envelope, protocol.ServerMessage, error) {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, nil, err
		}
		env, msg, err := protocol.DecodeServer(frame)
		if err != nil {
			return env, nil, err
		}
		if ping, ok := msg.(protocol.Ping); ok {
			c.send(protocol.Pong{Timestamp: ping.Timestamp}, "")
			continue
		}
		return env, msg, nil
	}
}

func (c *wsClient) next() (protocol.Envelope, protocol.ServerMessage) {
	c.t.Helper()
	env, msg, err := c.read()
	require.NoError(c.t, err)
	return env, msg
}

func (c *wsClient) auth(token, sessionID string) protocol.AuthAck {
	c.t.Helper()
	c.send(protocol.Auth{Token: token, SessionID: sessionID}, "")
	_, msg := c.next()
	ack, ok := msg.(protocol.AuthAck)
	require.True(c.t, ok, "expected auth ack, got %T", msg)
	return ack
}

func (c *wsClient) expectError(code string) protocol.Envelope {
	c.t.Helper()
	env, msg := c.next()
	e, ok := msg.(protocol.Error)
	require.True(c.t, ok, "expected error frame, got %T", msg)
	require.Equal(c.t, code, e.ErrorCode, e.ErrorMessage)
	return env
}

type frame struct {
	env protocol.Envelope
	msg protocol.ServerMessage
}

// untilTerminal reads frames for taskID until its terminal event.
func (c *wsClient) untilTerminal(taskID string) []frame {
	c.t.Helper()
	var out []frame
	for {
		env, msg := c.next()
		if env.TaskID != taskID {
			continue
		}
		out = append(out, frame{env, msg})
		if protocol.IsTerminal(msg) {
			return out
		}
	}
}
