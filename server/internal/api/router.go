package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/onsembl/onsembl/server/internal/audit"
	"github.com/onsembl/onsembl/server/internal/auth"
	"github.com/onsembl/onsembl/server/internal/connections"
	"github.com/onsembl/onsembl/server/internal/registry"
	"github.com/onsembl/onsembl/server/internal/repositories"
	"github.com/onsembl/onsembl/server/internal/router"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// Populated in main after all components are initialized and passed as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	JWT      *auth.JWTManager
	Registry *registry.Registry
	Router   *router.Router
	Conns    *connections.Manager
	Audit    *audit.Service
	Commands repositories.CommandRepository
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP extracts the client IP behind a reverse proxy.
	// Recoverer turns handler panics into 500s instead of crashing.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	rest := &restHandler{
		registry: cfg.Registry,
		commands: cfg.Commands,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
	}
	agentWS := &wsAgentHandler{
		jwt:      cfg.JWT,
		conns:    cfg.Conns,
		registry: cfg.Registry,
		router:   cfg.Router,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
	}
	dashboardWS := &wsDashboardHandler{
		jwt:      cfg.JWT,
		conns:    cfg.Conns,
		registry: cfg.Registry,
		router:   cfg.Router,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
	}

	// Unauthenticated operational endpoints. /healthz is for load balancer
	// probes; /metrics is scraped inside the trust boundary.
	r.Get("/healthz", healthz(cfg.Conns))
	r.Method(http.MethodGet, "/metrics", metricsHandler(cfg.Conns))

	// WebSocket upgrades authenticate in the handler because browsers
	// cannot set headers on WebSocket dials — the token may arrive as a
	// query parameter instead.
	r.Get("/ws/agent", agentWS.serve)
	r.Get("/ws/dashboard", dashboardWS.serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWT, auth.KindDashboard))

			r.Get("/agents", rest.listAgents)
			r.Get("/commands/{id}", rest.getCommand)
			r.Get("/audit", rest.queryAudit)
		})
	})

	return r
}

// healthz reports liveness plus the current connection counts.
func healthz(conns *connections.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, dashboards := conns.Counts()
		JSON(w, http.StatusOK, envelope{
			"status":     "ok",
			"agents":     agents,
			"dashboards": dashboards,
		})
	}
}
