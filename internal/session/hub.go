// Package session serves client connections. A Session authenticates the
// connection, subscribes it to task topics with snapshot replay, and owns the
// only goroutine that writes to the transport. The Hub tracks live sessions
// and keeps the subscriptions of dead ones for a while so a reconnecting
// client can resume where it left off.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"deepresearch/internal/auth"
	"deepresearch/internal/config"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/logging"
	"deepresearch/internal/protocol"
	"deepresearch/internal/telemetry"

	"github.com/google/uuid"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHandshake        = errors.New("handshake required")
	ErrPongTimeout      = errors.New("no pong within ping interval")
	ErrSlowConsumer     = errors.New("outbound queue full")
	ErrHubClosed        = errors.New("session hub closed")
)

// Conn is the transport a session runs on. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options configures a Hub.
type Options struct {
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ResumeWindow     time.Duration
	OutboundQueue    int
}

// OptionsFrom reads session settings from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		PingInterval:     cfg.GetPingInterval(),
		HandshakeTimeout: cfg.GetHandshakeTimeout(),
		WriteTimeout:     cfg.GetWriteTimeout(),
		ResumeWindow:     cfg.GetResumeWindow(),
		OutboundQueue:    cfg.Session.OutboundQueue,
	}
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 2 * time.Minute
	}
	if o.OutboundQueue < 1 {
		o.OutboundQueue = 256
	}
}

// parked is the bookkeeping of a dead session that may still be resumed.
type parked struct {
	principal string
	lastSeen  map[string]uint64
	expires   time.Time
}

// Hub owns every session.
type Hub struct {
	mgr     *coordinator.Manager
	authn   auth.Authenticator
	opts    Options
	metrics *telemetry.Metrics

	mu      sync.Mutex
	live    map[string]*Session
	parked  map[string]*parked
	closed  bool
	now     func() time.Time
	running sync.WaitGroup
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(mgr *coordinator.Manager, authn auth.Authenticator, opts Options, metrics *telemetry.Metrics) *Hub {
	opts.applyDefaults()
	return &Hub{
		mgr:     mgr,
		authn:   authn,
		opts:    opts,
		metrics: metrics,
		live:    make(map[string]*Session),
		parked:  make(map[string]*parked),
		now:     time.Now,
	}
}

// Serve runs one connection until it ends. It always closes conn.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrHubClosed
	}
	h.running.Add(1)
	h.mu.Unlock()
	defer h.running.Done()

	s, resumed, err := h.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	return s.run(ctx, resumed)
}

// handshake reads the auth frame, resolves the principal and registers the
// session, resuming a previous one when allowed.
func (h *Hub) handshake(ctx context.Context, conn Conn) (*Session, map[string]uint64, error) {
	_ = conn.SetReadDeadline(h.now().Add(h.opts.HandshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			h.reject(conn, protocol.CodeHandshakeTimeout, "no auth frame received")
			return nil, nil, ErrHandshakeTimeout
		}
		return nil, nil, fmt.Errorf("handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, msg, err := protocol.DecodeClient(frame)
	if err != nil {
		h.reject(conn, protocol.CodeBadMessage, err.Error())
		return nil, nil, err
	}
	authMsg, ok := msg.(protocol.Auth)
	if !ok {
		h.reject(conn, protocol.CodeHandshakeRequired, "first message must be auth")
		return nil, nil, fmt.Errorf("%w: got %s", ErrHandshake, env.Type)
	}

	actx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	principal, err := h.authn.Authenticate(actx, authMsg.Token)
	cancel()
	if err != nil {
		h.reject(conn, protocol.CodeAuthFailed, "authentication failed")
		if errors.Is(err, auth.ErrAuthFailed) {
			return nil, nil, err
		}
		logging.SessionWarn("auth backend error: %v", err)
		return nil, nil, fmt.Errorf("%w: %w", auth.ErrAuthFailed, err)
	}

	id, resumed := h.claim(authMsg.SessionID, principal)
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(h, conn, id, principal)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.live[id] = s
	h.mu.Unlock()
	h.metrics.SessionOpened(ctx)

	if resumed != nil {
		logging.Session("session %s resumed by %s (%d tasks)", id, principal, len(resumed))
	} else {
		logging.Session("session %s opened for %s", id, principal)
	}
	return s, resumed, nil
}

// claim takes over a previous session of principal. A live session with
// that id is closed first so its bookkeeping gets parked. It returns the id
// to reuse and the per-task last seen seqs, or "" when nothing resumes.
func (h *Hub) claim(id, principal string) (string, map[string]uint64) {
	if id == "" {
		return "", nil
	}

	h.mu.Lock()
	old := h.live[id]
	h.mu.Unlock()
	if old != nil {
		if old.principal != principal {
			return "", nil
		}
		old.close(errors.New("resumed elsewhere"))
		select {
		case <-old.done:
		case <-time.After(h.opts.WriteTimeout):
			logging.SessionWarn("session %s did not stop before resume", id)
			return "", nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.parked[id]
	if !ok || p.principal != principal || h.now().After(p.expires) {
		return "", nil
	}
	delete(h.parked, id)
	if p.lastSeen == nil {
		p.lastSeen = make(map[string]uint64)
	}
	return id, p.lastSeen
}

// reject writes a final error frame during the handshake.
func (h *Hub) reject(conn Conn, code, message string) {
	frame, err := encode(protocol.Error{ErrorCode: code, ErrorMessage: message}, "", "")
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
	_ = conn.WriteMessage(textMessage, frame)
	logging.SessionDebug("handshake rejected: %s %s", code, message)
}

// release is called by a session that has fully stopped.
func (h *Hub) release(s *Session, lastSeen map[string]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.live[s.id] == s {
		delete(h.live, s.id)
	}
	h.parked[s.id] = &parked{
		principal: s.principal,
		lastSeen:  lastSeen,
		expires:   h.now().Add(h.opts.ResumeWindow),
	}
	h.pruneLocked()
}

func (h *Hub) pruneLocked() int {
	now := h.now()
	n := 0
	for id, p := range h.parked {
		if now.After(p.expires) {
			delete(h.parked, id)
			n++
		}
	}
	return n
}

// Sweep forgets parked sessions whose resume window has passed.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruneLocked()
}

// InUse reports whether a live or resumable session is subscribed to
// taskID.
func (h *Hub) InUse(taskID string) bool {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.live))
	for _, s := range h.live {
		sessions = append(sessions, s)
	}
	for _, p := range h.parked {
		if _, ok := p.lastSeen[taskID]; ok && !h.now().After(p.expires) {
			h.mu.Unlock()
			return true
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if s.subscribed(taskID) {
			return true
		}
	}
	return false
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Sessions returns the ids of live sessions, sorted.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close ends every live session and waits for them to stop or ctx to
// expire. New connections are refused.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.live))
	for _, s := range h.live {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(ErrHubClosed)
	}

	done := make(chan struct{})
	go func() {
		h.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
