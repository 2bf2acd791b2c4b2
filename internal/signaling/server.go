package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/registry"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultSendQueueLength = 256
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry holds identity bindings. If nil, a private registry is created.
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Verifier gates the WebSocket upgrade. If nil, every client is accepted.
	Verifier auth.Verifier
	// Origins restricts browser origins. If nil, every origin is accepted and
	// the outer HTTP server is expected to enforce policy.
	Origins *origin.Policy

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond limits inbound messages per connection.
	// Zero disables the limit.
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int

	// Clock drives the rate limiter; tests inject a fake.
	Clock ratelimit.Clock
}

// Server implements the signaling WebSocket.
//
// Endpoints:
//   - GET /ws : signaling WebSocket
//   - GET /   : the same, for clients that connect to the bare host
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	verifier auth.Verifier
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.Open{}
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = defaultIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 || cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		cfg.SignalingWSPingInterval = min(defaultPingInterval, cfg.SignalingWSIdleTimeout/2)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = defaultMaxMessageBytes
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = defaultSendQueueLength
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		verifier: cfg.Verifier,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		s.handleWebSocket(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Registry exposes the identity registry for status endpoints.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// ConnectionCount returns the number of open signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// IdentityCount returns the number of bound identities.
func (s *Server) IdentityCount() int {
	return s.registry.Len()
}

// Close closes every open connection. Each connection runs its normal
// cleanup, so identities are released as they would be on disconnect.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins == nil {
		return true
	}
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		return false
	}
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := auth.Authorize(s.verifier, r); err != nil {
		s.metrics.Inc(metrics.AuthRejected)
		s.log.Warn("rejecting signaling connection", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}

	c := newConn(s, ws, uuid.NewString())
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	c.log.Debug("signaling connection opened", "remote_addr", r.RemoteAddr)

	c.run()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
