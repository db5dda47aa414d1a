// Package serve exposes the dispatcher to callers over WebSocket.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/circuitstudio/backend/pkg/dispatch"
	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	sendBuffer      = 256
	shutdownTimeout = 5 * time.Second

	// DefaultMaxMessageSize bounds one inbound frame. fs-set-content carries
	// whole files, so this is generous.
	DefaultMaxMessageSize = 64 << 20
)

// RateLimit bounds requests per connection. Zero RPS disables it.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Config configures a Server.
type Config struct {
	Addr       string
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *zap.SugaredLogger
	RateLimit  RateLimit
	// CertFile and KeyFile enable TLS when both are set.
	CertFile       string
	KeyFile        string
	MaxMessageSize int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
	Version     string
}

// Server accepts WebSocket connections and feeds their requests to the
// dispatcher.
type Server struct {
	cfg      Config
	logger   *zap.SugaredLogger
	router   chi.Router
	upgrader websocket.Upgrader
	started  time.Time

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// New builds the router. Nothing listens until Serve or ListenAndServe.
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("certificate and private key must be set together")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Named("serve")
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		started: time.Now(),
		conns:   make(map[string]*conn),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// WebSocket and waits for in-flight operations.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	tls := s.cfg.CertFile != ""
	s.logger.Infow("listening", "addr", ln.Addr().String(), "tls", tls)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if tls {
			err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errChan:
		if ok {
			s.closeConnections()
			return err
		}
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeConnections()
	s.cfg.Dispatcher.Wait()
	return err
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected a WebSocket upgrade", http.StatusUpgradeRequired)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	// The request context ends when the handler returns, so the connection
	// gets its own.
	c := newConn(context.WithoutCancel(r.Context()), s, uuid.NewString(), ws)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.cfg.Metrics.ConnectionOpened()
	c.logger.Infow("connection opened", "remote", r.RemoteAddr)

	go func() {
		defer s.wg.Done()
		c.run()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.cfg.Metrics.ConnectionClosed()
		c.logger.Infow("connection closed")
	}()
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Version:     s.cfg.Version,
		Connections: s.Connections(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
