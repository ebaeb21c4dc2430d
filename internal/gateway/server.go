// Package gateway serves the agent over HTTP: SSE and WebSocket streaming,
// the collected chat endpoint and the administrative surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/auth"
	"github.com/kohtravel/agentd/internal/observability"
	"github.com/kohtravel/agentd/internal/ratelimit"
	"github.com/kohtravel/agentd/internal/sessions"
)

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int

	// ReadHeaderTimeout bounds header reads. Default: 10s
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
}

// Agent is one configured agent, served for its project.
type Agent struct {
	Name         string
	Project      string
	Description  string
	Orchestrator *agent.Orchestrator
}

// Deps are the shared collaborators of every agent.
type Deps struct {
	Store   sessions.Store
	Locker  sessions.Locker
	Sweeper *sessions.Sweeper
	Auth    *auth.Service
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Server is the agent HTTP server.
type Server struct {
	config        Config
	agents        map[string]*Agent
	order         []string
	defaultAgent  *Agent
	store         sessions.Store
	locker        sessions.Locker
	sweeper       *sessions.Sweeper
	authService   *auth.Service
	limiter       *ratelimit.Limiter
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	startTime     time.Time
	activeTurns   atomic.Int64
	httpServer    *http.Server
	httpListener  net.Listener
	handler       http.Handler
	allowAnyCORS  bool
	allowedOrigin map[string]struct{}
}

// NewServer builds the server. The first agent serves requests that name no
// project. Every agent's orchestrator must share deps.Locker so admin reads
// see the same per-session exclusion as turns.
func NewServer(cfg Config, agents []*Agent, deps Deps) (*Server, error) {
	if len(agents) == 0 {
		return nil, errors.New("gateway: at least one agent is required")
	}
	if deps.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("gateway: locker is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		config:        cfg,
		agents:        make(map[string]*Agent, len(agents)),
		store:         deps.Store,
		locker:        deps.Locker,
		sweeper:       deps.Sweeper,
		authService:   deps.Auth,
		limiter:       deps.Limiter,
		metrics:       deps.Metrics,
		tracer:        deps.Tracer,
		logger:        deps.Logger.With("component", "gateway"),
		startTime:     time.Now(),
		allowedOrigin: map[string]struct{}{},
	}
	for _, a := range agents {
		if a == nil || a.Orchestrator == nil {
			return nil, errors.New("gateway: agent without orchestrator")
		}
		key := strings.ToLower(strings.TrimSpace(a.Project))
		if _, dup := s.agents[key]; dup {
			return nil, fmt.Errorf("gateway: duplicate agent for project %q", a.Project)
		}
		s.agents[key] = a
		s.order = append(s.order, key)
	}
	s.defaultAgent = s.agents[s.order[0]]

	for _, origin := range cfg.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			s.allowAnyCORS = true
		} else if origin != "" {
			s.allowedOrigin[origin] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/agent/chat/stream", s.handleChatStream)
	s.route(mux, "POST /api/agent/chat", s.handleChat)
	s.route(mux, "GET /api/agent/ws", s.handleWebSocket)
	s.route(mux, "POST /api/agent/init", s.handleInit)
	s.route(mux, "GET /api/agent/tools", s.handleTools)
	s.route(mux, "GET /api/agent/agents", s.handleAgents)
	s.route(mux, "GET /api/agent/conversation/{session_id}", s.handleGetConversation)
	s.route(mux, "DELETE /api/agent/conversation/{session_id}", s.handleClearConversation)
	s.route(mux, "POST /api/agent/cleanup/inactive", s.handleCleanup)
	s.route(mux, "DELETE /api/agent/user/{user_id}/sessions", s.handleDeleteUserSessions)
	s.route(mux, "GET /api/agent/stats", s.handleStats)
	s.route(mux, "GET /health", s.handleHealth)
	if s.config.MetricsPath != "" && s.metrics != nil {
		mux.Handle("GET "+s.config.MetricsPath, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	open := []string{"/health"}
	if s.config.MetricsPath != "" {
		open = append(open, s.config.MetricsPath)
	}

	var h http.Handler = mux
	h = ratelimit.Middleware(s.limiter, s.rateLimitKey(open))(h)
	h = auth.Middleware(s.authService, s.logger, open...)(h)
	h = s.cors(h)
	h = s.requestID(h)
	return h
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones up to the
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.httpListener = nil
	return err
}

// agentFor resolves the agent serving project; empty selects the default.
func (s *Server) agentFor(project string) (*Agent, bool) {
	key := strings.ToLower(strings.TrimSpace(project))
	if key == "" {
		return s.defaultAgent, true
	}
	a, ok := s.agents[key]
	return a, ok
}

// Agents returns the agents in configuration order.
func (s *Server) Agents() []*Agent {
	out := make([]*Agent, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.agents[key])
	}
	return out
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAnyCORS {
		return true
	}
	if _, ok := s.allowedOrigin[origin]; ok {
		return true
	}
	// Same-origin requests are always accepted.
	return slices.Contains([]string{"http://" + r.Host, "https://" + r.Host}, origin)
}
