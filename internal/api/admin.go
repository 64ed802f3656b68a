package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/jobs"
	"github.com/ernie/deadside-tracker/internal/storage"
)

// ServerRequest is the body for registering a game server
type ServerRequest struct {
	TenantID     string `json:"tenant_id"`
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	Transport    string `json:"transport"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	KeyFile      string `json:"key_file"`
	DeathLogDir  string `json:"death_log_dir"`
	EventLogPath string `json:"event_log_path"`
	Disabled     bool   `json:"disabled"`
}

func (r *Router) handleListServers(w http.ResponseWriter, req *http.Request) {
	servers, err := r.registry.List(req.Context(), req.URL.Query().Get("tenant"))
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (r *Router) handleRegisterServer(w http.ResponseWriter, req *http.Request) {
	var body ServerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	srv := &domain.GameServer{
		Scope:        domain.NewScope(body.TenantID, body.ServerID),
		Name:         body.Name,
		Transport:    body.Transport,
		Host:         body.Host,
		Port:         body.Port,
		Username:     body.Username,
		Password:     body.Password,
		KeyFile:      body.KeyFile,
		DeathLogDir:  body.DeathLogDir,
		EventLogPath: body.EventLogPath,
		Enabled:      !body.Disabled,
	}
	if err := r.registry.Register(req.Context(), srv); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	r.log.Info().Str("by", actor(req)).Str("tenant", srv.Scope.TenantID).Str("server", srv.Scope.ServerID).Msg("server registered")

	registered, err := r.registry.Get(req.Context(), srv.Scope)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (r *Router) handleSetServerEnabled(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := r.registry.SetEnabled(req.Context(), scope, *body.Enabled); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": *body.Enabled})
}

func (r *Router) handleRemoveServer(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	if err := r.manager.RemoveServer(req.Context(), scope); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	r.log.Info().Str("by", actor(req)).Str("tenant", scope.TenantID).Str("server", scope.ServerID).Msg("server removed")
	writeJSON(w, http.StatusOK, map[string]string{"message": "server removed"})
}

// handleResetScope deletes one scope's stats synchronously and reports counts
func (r *Router) handleResetScope(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	res, err := r.manager.Reset(req.Context(), scope)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	r.log.Warn().Str("by", actor(req)).Str("tenant", scope.TenantID).Str("server", scope.ServerID).
		Int64("players", res.Players).Msg("scope reset")
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleReconcileScope(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	if _, err := r.registry.Get(req.Context(), scope); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	r.submit(w, req, "reconcile", &scope, func(ctx context.Context) (any, error) {
		return r.manager.Reconcile(ctx, scope)
	})
}

func (r *Router) handleReconcileAll(w http.ResponseWriter, req *http.Request) {
	r.submit(w, req, "reconcile_all", nil, func(ctx context.Context) (any, error) {
		return r.manager.ReconcileAll(ctx)
	})
}

// handleBackfill replays a server's full death-log history; ?reset=true
// clears the scope first
func (r *Router) handleBackfill(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	if _, err := r.registry.Get(req.Context(), scope); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	reset := parseBool(req, "reset")
	r.submit(w, req, "backfill", &scope, func(ctx context.Context) (any, error) {
		return r.manager.Backfill(ctx, scope, reset)
	})
}

// submit starts a job. With ?wait=true the response is the finished job.
func (r *Router) submit(w http.ResponseWriter, req *http.Request, kind string, scope *domain.Scope, fn jobs.Func) {
	job, err := r.jobs.Submit(kind, scope, fn)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	r.log.Info().Str("by", actor(req)).Str("job", job.ID).Str("kind", kind).Msg("job submitted")
	if !parseBool(req, "wait") {
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	done, err := r.jobs.Wait(req.Context(), job.ID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	writeJSON(w, http.StatusOK, done)
}

func (r *Router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.jobs.List())
}

func (r *Router) handleGetJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.jobs.Get(req.PathValue("id"))
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (r *Router) handleGetStartupSweep(w http.ResponseWriter, req *http.Request) {
	enabled, err := r.store.GetBoolSetting(req.Context(), storage.SettingStartupSweep, r.startupSweep)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (r *Router) handleSetStartupSweep(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := r.store.SetBoolSetting(req.Context(), storage.SettingStartupSweep, *body.Enabled); err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}
