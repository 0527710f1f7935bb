package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"deepresearch/internal/bus"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
	"deepresearch/internal/types"

	"github.com/gorilla/websocket"
)

const textMessage = websocket.TextMessage

var errAlreadySubscribed = bus.ErrAlreadySubscribed

// Session is one authenticated connection.
type Session struct {
	hub       *Hub
	conn      Conn
	id        string
	principal string
	log       *logging.Logger

	out        chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	awaitingPong atomic.Bool

	mu    sync.Mutex
	cause error
	subs  map[string]*subscription
}

// subscription is the bus subscriber for one task of one session.
type subscription struct {
	s        *Session
	taskID   string
	lastSeen uint64 // guarded by s.mu
}

func (sub *subscription) Deliver(ev bus.Event) {
	sub.s.deliver(sub, ev)
}

func newSession(h *Hub, conn Conn, id, principal string) *Session {
	return &Session{
		hub:        h,
		conn:       conn,
		id:         id,
		principal:  principal,
		log:        logging.Get(logging.CategorySession).With("session_id", id),
		out:        make(chan []byte, h.opts.OutboundQueue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		subs:       make(map[string]*subscription),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Principal returns the authenticated principal.
func (s *Session) Principal() string { return s.principal }

func (s *Session) run(ctx context.Context, resumed map[string]uint64) error {
	go s.writeLoop(ctx)

	tasks := make([]string, 0, len(resumed))
	for id := range resumed {
		tasks = append(tasks, id)
	}
	sort.Strings(tasks)

	s.send(protocol.AuthAck{
		SessionID: s.id,
		Principal: s.principal,
		Resumed:   resumed != nil,
		Tasks:     tasks,
	}, "", "")
	for _, id := range tasks {
		if err := s.subscribe(id, resumed[id]); err != nil {
			s.log.Debug("resubscribe %s: %v", id, err)
			s.replyError("", id, err)
		}
	}

	err := s.readLoop(ctx)
	s.close(err)
	s.cleanup()

	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()
	if cause == nil || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return cause
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, msg, err := protocol.DecodeClient(frame)
		if err != nil {
			s.sendError(env.RequestID, env.TaskID, protocol.CodeBadMessage, err.Error())
			continue
		}
		s.dispatch(ctx, env, msg)
	}
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope, msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Auth:
		s.sendError(env.RequestID, "", protocol.CodeBadMessage, "session already authenticated")

	case protocol.ResearchQuery:
		task, err := s.hub.mgr.Start(ctx, coordinator.StartRequest{
			Principal:      s.principal,
			RequestID:      env.RequestID,
			Query:          m.Query,
			ContinuousMode: m.ContinuousMode,
			ForceRefresh:   m.ForceRefresh,
		})
		if err != nil {
			s.replyError(env.RequestID, "", err)
			return
		}
		s.log.Info("started task %s (request=%s cache_hit=%v)", task.ID, env.RequestID, task.CacheHit)
		if err := s.subscribe(task.ID, 0); err != nil {
			s.replyError(env.RequestID, task.ID, err)
		}

	case protocol.Subscribe:
		if err := s.subscribe(m.TaskID, 0); err != nil {
			s.replyError(env.RequestID, m.TaskID, err)
		}

	case protocol.CancelResearch:
		task, err := s.hub.mgr.Cancel(m.TaskID, s.principal)
		if err != nil {
			s.replyError(env.RequestID, m.TaskID, err)
			return
		}
		if !s.subscribed(m.TaskID) {
			for _, out := range coordinator.SnapshotMessages(task) {
				s.sendTask(out, task, env.RequestID)
			}
		}

	case protocol.Ping:
		s.send(protocol.Pong{Timestamp: m.Timestamp}, env.RequestID, "")

	case protocol.Pong:
		s.awaitingPong.Store(false)
	}
}

// subscribe registers the session for taskID and replays the task's
// current snapshot before any later event. Events at or below lastSeen are
// suppressed.
func (s *Session) subscribe(taskID string, lastSeen uint64) error {
	if _, err := s.hub.mgr.Authorize(taskID, s.principal); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.subs[taskID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errAlreadySubscribed, taskID)
	}
	sub := &subscription{s: s, taskID: taskID, lastSeen: lastSeen}
	s.subs[taskID] = sub
	s.mu.Unlock()

	err := s.hub.mgr.Bus().Subscribe(taskID, sub, func() error {
		t, err := s.hub.mgr.Get(taskID)
		if err != nil {
			return err
		}
		for _, msg := range coordinator.SnapshotMessages(t) {
			s.sendTask(msg, t, t.RequestID)
		}
		s.mu.Lock()
		if t.Seq > sub.lastSeen {
			sub.lastSeen = t.Seq
		}
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.subs, taskID)
		s.mu.Unlock()
		return err
	}
	s.log.Debug("subscribed to %s", taskID)
	return nil
}

func (s *Session) subscribed(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[taskID]
	return ok
}

// deliver runs under the bus topic lock.
func (s *Session) deliver(sub *subscription, ev bus.Event) {
	s.mu.Lock()
	if ev.Seq != 0 && ev.Seq <= sub.lastSeen {
		s.mu.Unlock()
		return
	}
	sub.lastSeen = ev.Seq
	s.mu.Unlock()

	env, err := protocol.Wrap(ev.Message, s.id, ev.RequestID)
	if err != nil {
		s.log.Error("encode %s for %s: %v", ev.Message.Type(), ev.TaskID, err)
		return
	}
	env.TaskID = ev.TaskID
	env.Seq = ev.Seq
	env.Progress = ev.Progress
	s.enqueueEnvelope(env)
}

// sendTask sends msg stamped with t's id, seq and progress.
func (s *Session) sendTask(msg protocol.ServerMessage, t *types.Task, requestID string) {
	env, err := protocol.Wrap(msg, s.id, requestID)
	if err != nil {
		s.log.Error("encode %s: %v", msg.Type(), err)
		return
	}
	env.TaskID = t.ID
	env.Seq = t.Seq
	env.Progress = coordinator.EventProgress(t, msg)
	s.enqueueEnvelope(env)
}

func (s *Session) send(msg protocol.ServerMessage, requestID, taskID string) {
	env, err := protocol.Wrap(msg, s.id, requestID)
	if err != nil {
		s.log.Error("encode %s: %v", msg.Type(), err)
		return
	}
	env.TaskID = taskID
	s.enqueueEnvelope(env)
}

func (s *Session) sendError(requestID, taskID, code, message string) {
	s.send(protocol.Error{ErrorCode: code, ErrorMessage: message}, requestID, taskID)
}

func (s *Session) replyError(requestID, taskID string, err error) {
	code := ErrorCode(err)
	if code == protocol.CodeInternal {
		s.log.Error("request %s failed: %v", requestID, err)
	}
	s.sendError(requestID, taskID, code, err.Error())
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		return protocol.CodeValidation
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, coordinator.ErrForbidden):
		return protocol.CodeTaskNotFound
	case errors.Is(err, errAlreadySubscribed):
		return protocol.CodeAlreadySubscribed
	case errors.Is(err, coordinator.ErrAlreadyFinished):
		return protocol.CodeAlreadyFinished
	case errors.Is(err, coordinator.ErrAllFocusAreasFailed):
		return protocol.CodeTaskFailed
	default:
		return protocol.CodeInternal
	}
}

func (s *Session) enqueueEnvelope(env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		s.log.Error("encode envelope: %v", err)
		return
	}
	select {
	case <-s.closing:
		return
	default:
	}
	select {
	case s.out <- frame:
	default:
		s.log.Warn("outbound queue full (%d frames), closing", cap(s.out))
		s.close(ErrSlowConsumer)
	}
}

// writeLoop is the only writer of conn. It also drives keepalive: a ping
// every interval, and the session dies when the previous ping is still
// unanswered.
func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	defer s.conn.Close()

	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			if err := s.write(textMessage, frame); err != nil {
				s.close(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			if s.awaitingPong.Load() {
				s.log.Info("keepalive failed, closing")
				s.close(ErrPongTimeout)
				return
			}
			frame, err := encode(protocol.Ping{Timestamp: time.Now().UTC()}, s.id, "")
			if err != nil {
				continue
			}
			s.awaitingPong.Store(true)
			if err := s.write(textMessage, frame); err != nil {
				s.close(fmt.Errorf("write ping: %w", err))
				return
			}

		case <-ctx.Done():
			s.close(ctx.Err())
			s.flush(websocket.CloseGoingAway, "server shutting down")
			return

		case <-s.closing:
			code, reason := websocket.CloseNormalClosure, ""
			s.mu.Lock()
			cause := s.cause
			s.mu.Unlock()
			switch {
			case errors.Is(cause, ErrSlowConsumer):
				code, reason = websocket.ClosePolicyViolation, protocol.CodeSlowConsumer
			case errors.Is(cause, ErrHubClosed):
				code, reason = websocket.CloseGoingAway, "server shutting down"
			}
			s.flush(code, reason)
			return
		}
	}
}

// flush writes whatever is queued, then a close frame.
func (s *Session) flush(code int, reason string) {
	for {
		select {
		case frame := <-s.out:
			if s.write(textMessage, frame) != nil {
				return
			}
		default:
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

func (s *Session) write(kind int, frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
	return s.conn.WriteMessage(kind, frame)
}

// close records cause and stops the writer, which closes the transport.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		close(s.closing)
	})
}

// cleanup parks the session for resumption and leaves every topic. Tasks
// keep running.
func (s *Session) cleanup() {
	<-s.writerDone

	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	lastSeen := make(map[string]uint64, len(subs))
	for id, sub := range subs {
		lastSeen[id] = sub.lastSeen
	}
	cause := s.cause
	s.mu.Unlock()

	s.hub.release(s, lastSeen)
	for id, sub := range subs {
		s.hub.mgr.Bus().Unsubscribe(id, sub)
	}
	s.hub.metrics.SessionClosed(context.Background())
	s.log.Info("session closed (%d subscriptions parked): %v", len(subs), cause)
	close(s.done)
}

func encode(msg protocol.Message, sessionID, requestID string) ([]byte, error) {
	env, err := protocol.Wrap(msg, sessionID, requestID)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(env)
}
