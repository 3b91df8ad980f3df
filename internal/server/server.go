package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/seekapa/copilot/internal/audit"
	"github.com/seekapa/copilot/internal/auth"
	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/config"
	"github.com/seekapa/copilot/internal/fabric"
	"github.com/seekapa/copilot/internal/llm"
	"github.com/seekapa/copilot/internal/observability"
	"github.com/seekapa/copilot/internal/powerbi"
	"github.com/seekapa/copilot/internal/workflow"
)

// Version is stamped at build time.
var Version = "dev"

// Options carries the server's dependencies. All fields except Config are
// required unless noted.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Redis    redis.UniversalClient
	Auth     *auth.Service
	Audit    *audit.Service
	Cache    *cache.Service
	Router   *llm.Router
	Fabric   *fabric.Manager
	Workflow *workflow.Orchestrator
	PowerBI  *powerbi.Client
	Limiter  *RateLimiter // optional, built from config when nil
}

// Server is the HTTP and websocket surface.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	rdb      redis.UniversalClient
	auth     *auth.Service
	audit    *audit.Service
	cache    *cache.Service
	llm      *llm.Router
	fabric   *fabric.Manager
	workflow *workflow.Orchestrator
	powerbi  *powerbi.Client
	limiter  *RateLimiter

	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

// New wires the server. It does not start listening; call Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := opts.Limiter
	if limiter == nil {
		rl := opts.Config.Server.RateLimit
		limiter = NewRateLimiter(RateLimits{
			PerMinute: rl.PerMinute,
			PerHour:   rl.PerHour,
			Burst:     rl.Burst,
		})
	}

	s := &Server{
		cfg:      opts.Config,
		logger:   logger.With("component", "server"),
		metrics:  opts.Metrics,
		rdb:      opts.Redis,
		auth:     opts.Auth,
		audit:    opts.Audit,
		cache:    opts.Cache,
		llm:      opts.Router,
		fabric:   opts.Fabric,
		workflow: opts.Workflow,
		powerbi:  opts.PowerBI,
		limiter:  limiter,
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin:       s.checkWSOrigin,
	}

	s.httpServer = &http.Server{
		Addr:              opts.Config.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	mux := s.routes()

	// Innermost first: observability wraps the handlers, then the gates in
	// reverse order of evaluation.
	var h http.Handler = s.withObservability(mux)
	h = s.withRateLimit(h)
	h = s.withBodyLimits(h)
	h = s.withSecurityHeaders(h)
	h = s.withCORS(h)
	h = s.withTrustedHost(h)
	h = s.withRequestID(h)
	return h
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Chat. The unversioned alias mirrors the versioned route.
	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat, auth.PermExecute))
	mux.HandleFunc("POST /api/v1/chat", s.requireAuth(s.handleChat, auth.PermExecute))
	mux.HandleFunc("GET /ws/chat", s.handleWS)

	// Dataset queries.
	mux.HandleFunc("POST /api/powerbi/axia/query", s.requireAuth(s.handleQuery, auth.PermExecute))
	mux.HandleFunc("POST /api/v1/powerbi/query", s.requireAuth(s.handleQuery, auth.PermExecute))
	mux.HandleFunc("POST /api/powerbi/axia/query/natural", s.requireAuth(s.handleNaturalQuery))
	mux.HandleFunc("POST /api/v1/powerbi/query/natural", s.requireAuth(s.handleNaturalQuery))
	mux.HandleFunc("GET /api/v1/powerbi/info", s.requireAuth(s.handleDatasetInfo, auth.PermRead))
	mux.HandleFunc("POST /api/powerbi/axia/refresh", s.requireAuth(s.handleRefresh))
	mux.HandleFunc("POST /api/v1/powerbi/refresh", s.requireAuth(s.handleRefresh))
	mux.HandleFunc("GET /api/v1/powerbi/refresh/history", s.requireAuth(s.handleRefreshHistory, auth.PermRead))

	// Auth.
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.handleTokenRefresh)
	mux.HandleFunc("POST /api/v1/auth/register", s.requireAuth(s.handleRegister, auth.PermAdminUsers))

	// Privacy (GDPR).
	mux.HandleFunc("GET /api/v1/privacy/user-data", s.requireAuth(s.handleUserDataExport))
	mux.HandleFunc("DELETE /api/v1/privacy/user-data", s.requireAuth(s.handleUserDataErase))
	mux.HandleFunc("POST /api/v1/privacy/consent", s.requireAuth(s.handleConsent))

	// Audit and compliance.
	mux.HandleFunc("GET /api/v1/audit/events", s.requireAuth(s.handleAuditEvents, auth.PermViewAudit))
	mux.HandleFunc("GET /api/v1/compliance/report/{standard}", s.requireRole(s.handleComplianceReport, auth.RoleAuditor, auth.RoleAdmin))

	// Model router introspection.
	mux.HandleFunc("GET /api/v1/llm/report", s.requireAuth(s.handleLLMReport, auth.PermViewAudit))
	mux.HandleFunc("GET /api/v1/llm/validate", s.requireAuth(s.handleLLMValidate, auth.PermAdminSystem))

	// Workflows.
	mux.HandleFunc("GET /api/v1/workflows", s.requireAuth(s.handleWorkflowList, auth.PermRead))
	mux.HandleFunc("POST /api/v1/workflows", s.requireAuth(s.handleWorkflowCreate, auth.PermAdminSystem))
	mux.HandleFunc("POST /api/v1/workflows/{name}/execute", s.requireAuth(s.handleWorkflowExecute, auth.PermExecute))
	mux.HandleFunc("POST /api/v1/workflows/{name}/enable", s.requireAuth(s.handleWorkflowEnable, auth.PermAdminSystem))
	mux.HandleFunc("POST /api/v1/workflows/{name}/disable", s.requireAuth(s.handleWorkflowDisable, auth.PermAdminSystem))
	mux.HandleFunc("GET /api/v1/workflows/executions", s.requireAuth(s.handleWorkflowExecutions, auth.PermRead))
	mux.HandleFunc("GET /api/v1/workflows/stats", s.requireAuth(s.handleWorkflowStats, auth.PermRead))
	mux.HandleFunc("POST /api/v1/workflows/events", s.requireAuth(s.handleWorkflowEvent, auth.PermExecute))
	mux.HandleFunc("POST /api/v1/workflows/callback", s.handleWorkflowCallback)

	return mux
}

func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.Server.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "version", Version)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) auditSystemError(r *http.Request, status int) {
	s.audit.Log(r.Context(), audit.Entry{
		Type:     audit.EventSystemError,
		Action:   "http_error",
		Severity: audit.SeverityHigh,
		Outcome:  audit.OutcomeError,
		Details: map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"request_id": requestIDFrom(r.Context()),
		},
	})
}
