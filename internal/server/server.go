package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/swapgate/swapgate/internal/backend"
	"github.com/swapgate/swapgate/internal/config"
	"github.com/swapgate/swapgate/internal/logging"
	"github.com/swapgate/swapgate/internal/proxy"
	"github.com/swapgate/swapgate/internal/thinking"
)

// DefaultDrainTimeout bounds how long shutdown waits for in-flight
// requests before giving up on them.
const DefaultDrainTimeout = 10 * time.Second

// Server is the local proxy process: the data plane for client
// requests plus a small management surface. cfg is swapped atomically
// on hot-reload; request handlers read it without locking.
type Server struct {
	cfg         atomic.Pointer[config.Config]
	backends    *backend.Registry
	thinking    *thinking.Registry
	forwarder   *proxy.Forwarder
	coordinator *Coordinator
	metrics     *proxy.Metrics
	logger      *zap.Logger
	httpServer  *http.Server
	started     time.Time
}

// Option adjusts server construction, mostly for tests.
type Option func(*Server)

// WithMetrics replaces the default metrics set.
func WithMetrics(m *proxy.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New wires the registries, forwarder, and router from a validated
// configuration.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:  logger,
		started: time.Now(),
	}
	s.cfg.Store(cfg)
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = proxy.NewMetrics()
	}

	backends, err := backend.NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.backends = backends

	orphan := thinking.DefaultOrphanThreshold
	if cfg.Thinking.OrphanThresholdSeconds > 0 {
		orphan = time.Duration(cfg.Thinking.OrphanThresholdSeconds) * time.Second
	}
	s.thinking = thinking.NewRegistryWithThreshold(logger, orphan)

	timeouts := proxy.TimeoutsFromDefaults(cfg.Defaults)
	poolCfg := proxy.PoolFromDefaults(cfg.Defaults)
	pool := proxy.NewClientPool(timeouts, poolCfg)
	s.forwarder = proxy.NewForwarder(
		backends, pool, timeouts, poolCfg,
		cfg.Thinking.Mode, s.metrics, logger,
	)

	s.coordinator = NewCoordinator(logger)
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Handler(),
	}
	return s, nil
}

// requireMethod enforces the HTTP method for a route, mirroring the
// method-pattern behavior of net/http's ServeMux in Go 1.22+: GET also
// matches HEAD, and other methods get a 405 with an Allow header.
func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// Handler builds the router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", requireMethod(http.MethodGet, s.handleHealth))
	mux.Handle("/metrics", requireMethod(http.MethodGet, promhttp.Handler().ServeHTTP))
	mux.HandleFunc("/backends", requireMethod(http.MethodGet, s.handleListBackends))
	mux.HandleFunc("/backends/active", requireMethod(http.MethodPut, s.handleSetActive))

	// No teammate backend configured means no teammate route at all;
	// the path falls through to the primary pipeline like any other.
	if s.cfg.Load().AgentTeams != nil {
		mux.HandleFunc("/teammate/", s.handleTeammate)
		mux.HandleFunc("/teammate", s.handleTeammate)
	}
	mux.HandleFunc("/", s.handlePrimary)

	return s.withRequestID(mux)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("proxy listening",
		zap.String("addr", s.cfg.Load().ListenAddr),
		zap.String("active_backend", s.backends.ActiveName()),
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the deadline on ctx, then
// stops the listener. A deadline overrun force-closes the remaining
// connections but is not an error for the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.coordinator.Drain(ctx); err != nil {
		s.logger.Warn("drain deadline exceeded, force-closing remaining connections", zap.Error(err))
		return s.httpServer.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Reload swaps in a new validated configuration. The active backend
// is kept when it still exists.
func (s *Server) Reload(cfg *config.Config) error {
	if err := s.backends.UpdateConfig(cfg); err != nil {
		return err
	}
	s.cfg.Store(cfg)
	s.logger.Info("configuration reloaded",
		zap.String("active_backend", s.backends.ActiveName()))
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handlePrimary is the main pipeline: one thinking session per
// request, pinned to the backend that was active when the request
// arrived.
func (s *Server) handlePrimary(w http.ResponseWriter, r *http.Request) {
	if !s.coordinator.Acquire() {
		s.writeUnavailable(w, r)
		return
	}
	defer s.coordinator.Release()

	active := s.backends.ActiveName()
	session := s.thinking.BeginRequest(active)
	s.forwarder.Forward(w, r, proxy.ForwardOptions{
		BackendOverride: active,
		Pipeline:        proxy.PipelinePrimary,
		Session:         session,
	})
}

// handleTeammate serves the /teammate namespace: the prefix is
// stripped, the request is pinned to the teammate backend, and the
// thinking registry is never touched.
func (s *Server) handleTeammate(w http.ResponseWriter, r *http.Request) {
	if !s.coordinator.Acquire() {
		s.writeUnavailable(w, r)
		return
	}
	defer s.coordinator.Release()

	target := s.teammateBackend(r)
	if target == "" {
		// Only reachable after a reload dropped the agent_teams block;
		// the route itself is registered once at startup.
		proxy.WriteError(w, s.logger, http.StatusBadGateway, proxy.ErrorResponse{
			Error:     "teammate routing not configured",
			Code:      proxy.CodeBackendNotFound,
			RequestID: logging.RequestIDFromContext(r.Context()),
		})
		return
	}

	stripped := strings.TrimPrefix(r.URL.Path, "/teammate")
	if stripped == "" {
		stripped = "/"
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = stripped
	r2.URL.RawPath = ""

	s.forwarder.Forward(w, r2, proxy.ForwardOptions{
		BackendOverride: target,
		Pipeline:        proxy.PipelineTeammate,
	})
}

// teammateBackend resolves the backend for a teammate request: a
// per-agent override from the X-Agent-Name header when configured,
// the shared teammate backend otherwise.
func (s *Server) teammateBackend(r *http.Request) string {
	teams := s.cfg.Load().AgentTeams
	if teams == nil {
		return ""
	}
	if agent := r.Header.Get("X-Agent-Name"); agent != "" {
		if name, ok := teams.Overrides[agent]; ok {
			return name
		}
	}
	return teams.TeammateBackend
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.thinking.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"active_backend":   s.backends.ActiveName(),
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
		"thinking_session": stats.CurrentSession,
		"thinking_blocks":  stats.Total,
		"draining":         s.coordinator.Draining(),
	})
}

type backendView struct {
	Name                     string `json:"name"`
	DisplayName              string `json:"display_name,omitempty"`
	BaseURL                  string `json:"base_url"`
	Active                   bool   `json:"active"`
	SupportsAdaptiveThinking bool   `json:"supports_adaptive_thinking"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	active := s.backends.ActiveName()
	var views []backendView
	for _, b := range s.backends.List() {
		views = append(views, backendView{
			Name:                     b.Name,
			DisplayName:              b.DisplayName,
			BaseURL:                  b.BaseURL,
			Active:                   b.Name == active,
			SupportsAdaptiveThinking: b.SupportsAdaptiveThinking,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     active,
		"backends":   views,
		"switch_log": s.backends.SwitchLog(),
	})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		proxy.WriteError(w, s.logger, http.StatusBadRequest, proxy.ErrorResponse{
			Error:     "invalid request",
			Code:      proxy.CodeInvalidRequest,
			RequestID: logging.RequestIDFromContext(r.Context()),
		})
		return
	}

	previous := s.backends.ActiveName()
	if err := s.backends.SetActive(req.Name); err != nil {
		proxy.WriteError(w, s.logger, http.StatusNotFound, proxy.ErrorResponse{
			Error:       "backend not found",
			Description: err.Error(),
			Code:        proxy.CodeBackendNotFound,
			RequestID:   logging.RequestIDFromContext(r.Context()),
		})
		return
	}
	if previous != req.Name {
		s.metrics.BackendSwitches.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   req.Name,
		"previous": previous,
	})
}

func (s *Server) writeUnavailable(w http.ResponseWriter, r *http.Request) {
	proxy.WriteError(w, s.logger, http.StatusServiceUnavailable, proxy.ErrorResponse{
		Error:     "server is shutting down",
		Code:      "shutting_down",
		RequestID: logging.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
