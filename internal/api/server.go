// Package api is the HTTP surface of researchd: the websocket endpoint that
// hands connections to the session hub, a REST fallback for clients that
// cannot hold a persistent connection, and a health check.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"deepresearch/internal/auth"
	"deepresearch/internal/cache"
	"deepresearch/internal/coordinator"
	"deepresearch/internal/logging"
	"deepresearch/internal/session"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Addr            string
	AllowedOrigins  []string // empty allows any origin
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	ServiceName     string
}

// Server wires the coordinator and session hub to HTTP.
type Server struct {
	mgr   *coordinator.Manager
	hub   *session.Hub
	authn auth.Authenticator
	cache *cache.Cache
	opts  Options

	upgrader websocket.Upgrader
	handler  http.Handler
	baseCtx  context.Context
}

// New builds a Server. cache may be nil.
func New(mgr *coordinator.Manager, hub *session.Hub, authn auth.Authenticator, c *cache.Cache, opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "researchd"
	}

	s := &Server{
		mgr:     mgr,
		hub:     hub,
		authn:   authn,
		cache:   c,
		opts:    opts,
		baseCtx: context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.Handle("POST /api/v1/research", s.requireAuth(http.HandlerFunc(s.handleStart)))
	mux.Handle("GET /api/v1/research", s.requireAuth(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /api/v1/research/{id}", s.requireAuth(http.HandlerFunc(s.handleGet)))
	mux.Handle("DELETE /api/v1/research/{id}", s.requireAuth(http.HandlerFunc(s.handleCancel)))

	s.handler = otelhttp.NewHandler(mux, opts.ServiceName+"-api")
	return s
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.APIDebug("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	logging.APIDebug("websocket connection from %s", r.RemoteAddr)

	if err := s.hub.Serve(s.baseCtx, conn); err != nil {
		logging.APIDebug("session from %s ended: %v", r.RemoteAddr, err)
	}
}

// Run serves on opts.Addr until ctx is done, then shuts down gracefully:
// sessions first, then the listener, then running tasks.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	s.baseCtx = baseCtx

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.API("listening on %s", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		s.runJanitor(janitorCtx)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logging.API("shutdown requested")
	}
	stopJanitor()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.hub.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	cancelBase()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.mgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if len(errs) == 0 {
		logging.API("server exited cleanly")
	}
	return errors.Join(errs...)
}
