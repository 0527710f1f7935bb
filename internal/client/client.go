// Package client is a Go client for the researchd session protocol. A
// Session owns one logical connection: it authenticates, answers keepalive
// pings, and transparently reconnects and resumes after a drop.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"deepresearch/internal/backoff"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionLost is returned once reconnection has been exhausted.
	ErrConnectionLost = errors.New("connection lost")
	// ErrAuthFailed means the server rejected the token.
	ErrAuthFailed = errors.New("authentication rejected")
	// ErrClosed is returned by calls on a closed Session.
	ErrClosed = errors.New("session closed")
)

// Options configures a Session.
type Options struct {
	URL   string // ws:// or wss:// endpoint, e.g. ws://localhost:8080/ws
	Token string

	// Policy governs reconnection. Zero means backoff.DefaultReconnectPolicy.
	Policy backoff.Policy

	Dialer           *websocket.Dialer
	Header           http.Header
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// Event is one server frame addressed to the application.
type Event struct {
	Envelope protocol.Envelope
	Message  protocol.ServerMessage
}

// Session is a reconnecting protocol session. Create it with Dial.
type Session struct {
	opts   Options
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	principal string
	tasks     map[string]*taskState
	closing   bool
	err       error
}

type taskState struct {
	lastSeen uint64
	finished bool
}

// Dial connects and authenticates. Connection attempts follow opts.Policy;
// an auth rejection is not retried.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = backoff.DefaultReconnectPolicy()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
		tasks:  make(map[string]*taskState),
	}

	if _, err := backoff.Retry(ctx, opts.Policy, s.notify, s.connect); err != nil {
		cancel()
		return nil, err
	}
	go s.readLoop(runCtx)
	return s, nil
}

func (s *Session) notify(attempt int, err error, wait time.Duration) {
	logging.ClientWarn("connect attempt %d failed: %v (retrying in %v)", attempt+1, err, wait)
}

// connect dials once and performs the handshake, resuming the previous
// session id when there is one.
func (s *Session) connect(ctx context.Context, attempt int) (struct{}, error) {
	var none struct{}
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		return none, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}

	s.mu.Lock()
	prevID := s.sessionID
	s.mu.Unlock()

	ack, err := handshake(conn, s.opts.Token, prevID, s.opts.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrAuthFailed) {
			return none, backoff.Permanent(err)
		}
		return none, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return none, backoff.Permanent(ErrClosed)
	}
	s.conn = conn
	s.sessionID = ack.SessionID
	s.principal = ack.Principal
	var resubscribe []string
	if !ack.Resumed {
		for id, st := range s.tasks {
			if !st.finished {
				resubscribe = append(resubscribe, id)
			}
		}
	}
	s.mu.Unlock()

	if prevID != "" {
		logging.Client("reconnected as %s (resumed=%t)", ack.SessionID, ack.Resumed)
	} else {
		logging.Client("connected as %s principal=%s", ack.SessionID, ack.Principal)
	}
	for _, id := range resubscribe {
		if err := s.send(protocol.Subscribe{TaskID: id}, ""); err != nil {
			return none, err
		}
	}
	return none, nil
}

func handshake(conn *websocket.Conn, token, sessionID string, timeout time.Duration) (protocol.AuthAck, error) {
	env, err := protocol.Wrap(protocol.Auth{Token: token, SessionID: sessionID}, sessionID, "")
	if err != nil {
		return protocol.AuthAck{}, err
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return protocol.AuthAck{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return protocol.AuthAck{}, fmt.Errorf("send auth: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return protocol.AuthAck{}, fmt.Errorf("read auth reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	_, msg, err := protocol.DecodeServer(reply)
	if err != nil {
		return protocol.AuthAck{}, err
	}
	switch m := msg.(type) {
	case protocol.AuthAck:
		return m, nil
	case protocol.Error:
		if m.ErrorCode == protocol.CodeAuthFailed {
			return protocol.AuthAck{}, fmt.Errorf("%w: %s", ErrAuthFailed, m.ErrorMessage)
		}
		return protocol.AuthAck{}, fmt.Errorf("handshake: %s: %s", m.ErrorCode, m.ErrorMessage)
	default:
		return protocol.AuthAck{}, fmt.Errorf("handshake: unexpected %s frame", msg.Type())
	}
}

// readLoop delivers frames until the session is closed or reconnection
// fails for good.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		err := s.pump(ctx, conn)
		_ = conn.Close()

		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing || ctx.Err() != nil {
			return
		}

		logging.ClientWarn("connection dropped: %v", err)
		if _, rerr := backoff.Retry(ctx, s.opts.Policy, s.notify, s.connect); rerr != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = fmt.Errorf("%w: %w", ErrConnectionLost, rerr)
			}
			s.mu.Unlock()
			logging.ClientError("giving up: %v", rerr)
			return
		}
	}
}

// pump reads one connection until it fails.
func (s *Session) pump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, msg, err := protocol.DecodeServer(frame)
		if err != nil {
			logging.ClientDebug("dropping undecodable frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Ping:
			if err := s.send(protocol.Pong{Timestamp: m.Timestamp}, ""); err != nil {
				return err
			}
			continue
		case protocol.Pong:
			continue
		}
		if !s.accept(env, msg) {
			continue
		}
		select {
		case s.events <- Event{Envelope: env, Message: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// accept reports whether a frame is new to the application. Snapshot
// frames share one seq, so only strictly older frames are duplicates.
func (s *Session) accept(env protocol.Envelope, msg protocol.ServerMessage) bool {
	if env.TaskID == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tasks[env.TaskID]
	if st == nil {
		st = &taskState{}
		s.tasks[env.TaskID] = st
	}
	if st.finished || env.Seq < st.lastSeen {
		return false
	}
	st.lastSeen = env.Seq
	if protocol.IsTerminal(msg) {
		st.finished = true
	}
	return true
}

func (s *Session) send(msg protocol.ClientMessage, requestID string) error {
	s.mu.Lock()
	conn, id := s.conn, s.sessionID
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return ErrClosed
	}

	env, err := protocol.Wrap(msg, id, requestID)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Query starts a research task and returns the request id that its events
// will carry.
func (s *Session) Query(q protocol.ResearchQuery) (string, error) {
	requestID := uuid.NewString()
	if err := s.send(q, requestID); err != nil {
		return "", err
	}
	return requestID, nil
}

// Subscribe attaches to an existing task.
func (s *Session) Subscribe(taskID string) error {
	s.mu.Lock()
	if _, ok := s.tasks[taskID]; !ok {
		s.tasks[taskID] = &taskState{}
	}
	s.mu.Unlock()
	return s.send(protocol.Subscribe{TaskID: taskID}, "")
}

// Cancel asks the server to cancel a task.
func (s *Session) Cancel(taskID string) error {
	return s.send(protocol.CancelResearch{TaskID: taskID}, "")
}

// Events returns the event stream. It is closed when the Session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the Session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the Session stopped: nil after Close, ErrConnectionLost
// after exhausted reconnection.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the server-assigned session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Principal returns the authenticated principal.
func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Close ends the session and waits for the reader to stop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = conn.Close()
	s.cancel()
	<-s.done
	return nil
}
