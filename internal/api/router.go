package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ernie/deadside-tracker/internal/auth"
	"github.com/ernie/deadside-tracker/internal/collector"
	"github.com/ernie/deadside-tracker/internal/config"
	"github.com/ernie/deadside-tracker/internal/jobs"
	"github.com/ernie/deadside-tracker/internal/registry"
	"github.com/ernie/deadside-tracker/internal/storage"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux          *http.ServeMux
	handler      http.Handler
	store        *storage.Store
	registry     *registry.Registry
	manager      *collector.Manager
	jobs         *jobs.Runner
	wsHub        *WebSocketHub
	auth         *auth.Service
	log          zerolog.Logger
	kdMinKills   int
	startupSweep bool
}

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, store *storage.Store, reg *registry.Registry, manager *collector.Manager,
	runner *jobs.Runner, hub *WebSocketHub, authService *auth.Service, log zerolog.Logger) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		store:        store,
		registry:     reg,
		manager:      manager,
		jobs:         runner,
		wsHub:        hub,
		auth:         authService,
		log:          log.With().Str("component", "api").Logger(),
		kdMinKills:   cfg.Ingest.KDMinKills,
		startupSweep: cfg.Scheduler.StartupSweep,
	}

	// Query routes, always scoped to one tenant and server
	r.mux.HandleFunc("GET /api/tenants/{tenant}/servers", r.handleGetTenantServers)
	r.mux.HandleFunc("GET /api/tenants/{tenant}/servers/{server}/status", r.handleGetServerStatus)
	r.mux.HandleFunc("GET /api/tenants/{tenant}/servers/{server}/leaderboard/{category}", r.handleGetLeaderboard)
	r.mux.HandleFunc("GET /api/tenants/{tenant}/servers/{server}/players", r.handleGetPlayers)
	r.mux.HandleFunc("GET /api/tenants/{tenant}/servers/{server}/players/{player}", r.handleGetPlayer)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// Server administration (admin only)
	r.mux.HandleFunc("GET /api/admin/servers", r.requireAdmin(r.handleListServers))
	r.mux.HandleFunc("POST /api/admin/servers", r.requireAdmin(r.handleRegisterServer))
	r.mux.HandleFunc("PATCH /api/admin/tenants/{tenant}/servers/{server}", r.requireAdmin(r.handleSetServerEnabled))
	r.mux.HandleFunc("DELETE /api/admin/tenants/{tenant}/servers/{server}", r.requireAdmin(r.handleRemoveServer))
	r.mux.HandleFunc("POST /api/admin/tenants/{tenant}/servers/{server}/reset", r.requireAdmin(r.handleResetScope))
	r.mux.HandleFunc("POST /api/admin/tenants/{tenant}/servers/{server}/reconcile", r.requireAdmin(r.handleReconcileScope))
	r.mux.HandleFunc("POST /api/admin/tenants/{tenant}/servers/{server}/backfill", r.requireAdmin(r.handleBackfill))
	r.mux.HandleFunc("POST /api/admin/reconcile", r.requireAdmin(r.handleReconcileAll))
	r.mux.HandleFunc("GET /api/admin/jobs", r.requireAdmin(r.handleListJobs))
	r.mux.HandleFunc("GET /api/admin/jobs/{id}", r.requireAdmin(r.handleGetJob))
	r.mux.HandleFunc("GET /api/admin/settings/startup-sweep", r.requireAdmin(r.handleGetStartupSweep))
	r.mux.HandleFunc("PUT /api/admin/settings/startup-sweep", r.requireAdmin(r.handleSetStartupSweep))

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/admin/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/admin/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/admin/users/{username}", r.requireAdmin(r.handleDeleteUser))

	// WebSocket notifications, filtered to one tenant and optionally one server
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /health", r.handleHealth)

	origins := cfg.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	access := hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Debug().Str("method", req.Method).Stringer("url", req.URL).
			Int("status", status).Int("size", size).Dur("duration", duration).Msg("request")
	})
	r.handler = hlog.NewHandler(r.log)(access(corsHandler.Handler(r.mux)))
	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"ws_clients": r.wsHub.ClientCount(),
	})
}
