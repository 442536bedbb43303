// Package httpapi implements the HTTP surface of the execution gateway.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Optional HS256 bearer tokens minted from an API key
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Policy violations surface as 403 without internal detail
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/sandboxd/sandboxd/internal/audit"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/dbquery"
	"github.com/sandboxd/sandboxd/internal/files"
	"github.com/sandboxd/sandboxd/internal/netfetch"
	"github.com/sandboxd/sandboxd/internal/observability"
	"github.com/sandboxd/sandboxd/internal/policy"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/runner"
	"github.com/sandboxd/sandboxd/internal/storage"
	"github.com/sandboxd/sandboxd/internal/system"
	"github.com/sandboxd/sandboxd/internal/workspace"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API server.
type Config struct {
	ListenAddr     string            // e.g., ":8000"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping.
	JWTSecret      string            // Empty = token endpoint and bearer JWTs disabled.
	JWTExpiry      time.Duration     // Lifetime of minted tokens. 0 = 1 hour.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
	Anomaly         *observability.AnomalyDetector  // Per-user denial rate tracking.
}

// Server is the policy-gated HTTP API.
type Server struct {
	config   Config
	runner   *runner.Runner
	commands *policy.CommandPolicy
	paths    *policy.PathPolicy
	files    *files.Service
	limiter  *ratelimit.Limiter
	recorder audit.Recorder
	logger   *slog.Logger

	network    *netfetch.Service   // nil = network endpoint disabled.
	database   *dbquery.Service    // nil = database endpoint disabled.
	containers *containers.Service // nil = docker endpoints disabled.
	system     *system.Service     // nil = system endpoints disabled.
	store      storage.Store       // nil = no execution history.
	workspace  *workspace.Workspace

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// NewServer creates the HTTP API server. The audit recorder may be nil;
// events are then discarded.
func NewServer(
	cfg Config,
	run *runner.Runner,
	commands *policy.CommandPolicy,
	paths *policy.PathPolicy,
	fileSvc *files.Service,
	limiter *ratelimit.Limiter,
	recorder audit.Recorder,
	logger *slog.Logger,
) *Server {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Server{
		config:   cfg,
		runner:   run,
		commands: commands,
		paths:    paths,
		files:    fileSvc,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithWorkspace attaches the workspace used for per-execution working
// directories.
func (s *Server) WithWorkspace(ws *workspace.Workspace) *Server {
	s.workspace = ws
	return s
}

// WithNetwork enables the outbound request proxy endpoint.
func (s *Server) WithNetwork(svc *netfetch.Service) *Server {
	s.network = svc
	return s
}

// WithDatabase enables the read-only query endpoint.
func (s *Server) WithDatabase(svc *dbquery.Service) *Server {
	s.database = svc
	return s
}

// WithContainers enables the docker run/list endpoints.
func (s *Server) WithContainers(svc *containers.Service) *Server {
	s.containers = svc
	return s
}

// WithSystem enables the system info and metrics snapshot endpoints.
func (s *Server) WithSystem(svc *system.Service) *Server {
	s.system = svc
	return s
}

// WithStore enables execution history persistence and the history and
// audit query endpoints.
func (s *Server) WithStore(store storage.Store) *Server {
	s.store = store
	return s
}

func (s *Server) WithOpenAPIDocs() *Server {
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandboxd",
			Version: s.config.Version,
		},
	)
	return s
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	maxSize := s.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	})

	middlewares := []okapi.Middleware{s.authenticate, s.rateLimit}
	if s.config.Metrics != nil || s.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{
			observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer),
		}, middlewares...)
	}
	s.group = s.okapi.Group("/api/v1", middlewares...)

	s.registerExecRoutes()
	s.registerFileRoutes()
	s.registerToolRoutes()

	if s.config.JWTSecret != "" {
		s.group.Post("/auth/token", s.handleAuthToken,
			okapi.DocSummary("Exchange the API key for a short-lived bearer token"),
			okapi.DocTags("Auth"),
			okapi.DocResponse(TokenResponse{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/health", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// recordAudit appends an event to the audit trail. Failures are logged,
// never surfaced to the client.
func (s *Server) recordAudit(ctx context.Context, event audit.Event) {
	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed",
			slog.String("operation", event.Operation),
			slog.String("error", err.Error()),
		)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
