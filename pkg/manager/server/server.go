// Package server assembles the manager's HTTP surface: the account and
// bridge routes, the operational endpoints, and the middleware chain around
// them. Callers normally drive it through the runtime package.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mautrix/manager/internal/openapi"
	"github.com/mautrix/manager/internal/platform/health"
	pkglog "github.com/mautrix/manager/pkg/log"
	"github.com/mautrix/manager/pkg/manager/apierror"
	"github.com/mautrix/manager/pkg/manager/auth"
	"github.com/mautrix/manager/pkg/manager/bridge"
	"github.com/mautrix/manager/pkg/manager/config"
	"github.com/mautrix/manager/pkg/manager/metrics"
	"github.com/mautrix/manager/pkg/manager/proxy"
	"github.com/mautrix/manager/pkg/manager/server/middleware"
	"github.com/mautrix/manager/pkg/manager/tracking"
)

type readinessReporter interface {
	Readiness(ctx context.Context) health.Report
}

// Dependencies carries the collaborators the server routes to.
type Dependencies struct {
	Gateway  *auth.Gateway
	Bridges  *bridge.Registry
	Engine   *proxy.Engine
	Tracking *tracking.Handler
	Checker  readinessReporter
	Metrics  *metrics.Registry
	OpenAPI  openapi.DocumentProvider
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server coordinates HTTP routes and lifecycle hooks.
type Server struct {
	cfg             config.Config
	router          *http.ServeMux
	httpServer      *http.Server
	handler         http.Handler
	gateway         *auth.Gateway
	bridges         *bridge.Registry
	engine          *proxy.Engine
	tracking        *tracking.Handler
	checker         readinessReporter
	metricsHandler  http.Handler
	openapiProvider openapi.DocumentProvider
	rateLimiter     *rateLimiter
	dockerHost      *url.URL
	bootTime        time.Time
	logger          pkglog.Logger
}

// New constructs a server with its routes mounted and middleware applied.
func New(cfg config.Config, deps Dependencies, opts ...Option) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		cfg:             cfg,
		router:          mux,
		gateway:         deps.Gateway,
		bridges:         deps.Bridges,
		engine:          deps.Engine,
		tracking:        deps.Tracking,
		checker:         deps.Checker,
		openapiProvider: deps.OpenAPI,
		rateLimiter:     newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		bootTime:        time.Now().UTC(),
		logger:          pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if cfg.Docker.Host != "" {
		host, err := url.Parse(cfg.Docker.Host)
		if err != nil {
			return nil, fmt.Errorf("parse docker host %q: %w", cfg.Docker.Host, err)
		}
		s.dockerHost = host
	}

	if deps.Metrics != nil && cfg.Metrics.Enabled {
		s.metricsHandler = deps.Metrics.Handler()
	}
	if s.openapiProvider == nil {
		s.openapiProvider = openapi.NewService()
	}

	s.mountRoutes()

	// No global CORS and no body size cap: only the tracking endpoints are
	// cross-origin, and bridge uploads stream through without buffering.
	handler := http.Handler(mux)
	if s.rateLimiter != nil {
		handler = middleware.RateLimit(
			func(key string, now time.Time) bool { return s.rateLimiter.allow(key, now) },
			clientKey,
			time.Now,
			apierror.Write,
			apierror.ErrRateLimited,
		)(handler)
	}
	handler = middleware.Logging(s.logger, requestIDFromContext, traceIDFromContext, clientAddress)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestMetadata(ensureRequestIDs)(handler)

	http2Server := &http2.Server{}
	handler = h2c.NewHandler(handler, http2Server)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port)),
		Handler: handler,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s, nil
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests until the context is cancelled or an
// error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return errors.New("http server not initialised")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.Server.ShutdownTimeout.AsDuration()
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("http server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("http server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mountRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/readyz", s.handleReadiness)
	s.router.HandleFunc("/readiness", s.handleReadiness)
	s.router.HandleFunc("/openapi.json", s.handleOpenAPI)
	s.router.HandleFunc("/manager/config", methodOnly(http.MethodGet, s.handleManagerConfig))
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler)
	}

	if s.gateway != nil {
		s.router.HandleFunc("/account", methodOnly(http.MethodGet, s.gateway.HandleAccount))
		s.router.HandleFunc("/account/register", methodOnly(http.MethodPost, s.gateway.HandleRegister))
		s.router.HandleFunc("/account/logout", methodOnly(http.MethodPost, s.gateway.HandleLogout))
		s.router.Handle("/docker/", s.gateway.Middleware(http.HandlerFunc(s.handleDocker)))
	}

	if s.tracking != nil {
		s.router.Handle("/track", s.tracking.Track())
		s.router.Handle("/engage", s.tracking.Engage())
	}

	if s.bridges != nil && s.gateway != nil && s.engine != nil {
		bridgeHandler := s.gateway.Middleware(http.HandlerFunc(s.handleBridge))
		for _, route := range s.bridges.Routes() {
			s.router.Handle("/"+route.Name, bridgeHandler)
			s.router.Handle("/"+route.Name+"/", bridgeHandler)
		}
	}
}

func methodOnly(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, requestID, _ := ensureRequestIDs(r)
	w.Header().Set("X-Request-Id", requestID)

	writeJSON(w, http.StatusOK, struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var requestID string
	r, requestID, _ = ensureRequestIDs(r)
	w.Header().Set("X-Request-Id", requestID)

	report := health.Report{Status: "ready", CheckedAt: time.Now().UTC()}
	if s.checker != nil {
		report = s.checker.Readiness(r.Context())
	}

	statusCode := http.StatusOK
	if report.Status != "ready" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	data, err := s.openapiProvider.Document(r.Context())
	if err != nil {
		s.logger.Errorw("failed to load openapi document", "error", err)
		apierror.Write(w, apierror.ErrUnknown)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warnw("failed to write openapi response", "error", err)
	}
}

// handleManagerConfig reports the feature toggles the frontend uses to
// decide which panels to show.
func (s *Server) handleManagerConfig(w http.ResponseWriter, _ *http.Request) {
	features := s.cfg.Features
	if features == nil {
		features = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, features)
}

// handleDocker relays requests to the Docker Engine API for container
// management from the admin panel. The caller's own credentials are
// scrubbed but no secret is substituted: access control is the admin
// permission check alone.
func (s *Server) handleDocker(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		apierror.Write(w, apierror.ErrMissingToken)
		return
	}
	if !s.gateway.Permissions(userID).Admin {
		apierror.Write(w, apierror.ErrNoDockerAccess)
		return
	}
	if s.dockerHost == nil {
		apierror.Write(w, apierror.ErrBridgeDisabled)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/docker/")
	s.engine.ForwardRaw(w, r, "docker", s.dockerHost, rest)
}

func clientKey(r *http.Request) string {
	addr := clientAddress(r)
	if addr == "" {
		return "global"
	}
	return addr
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
