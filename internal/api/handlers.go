package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/isolation"
	"github.com/ernie/deadside-tracker/internal/registry"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps a domain error onto a status code
func (r *Router) writeFailure(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrMissingScope), errors.Is(err, registry.ErrInvalidServer):
		writeError(w, http.StatusBadRequest, err.Error())
	case isolation.IsViolation(err):
		r.log.Error().Err(err).Str("path", req.URL.Path).Msg("isolation violation")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		r.log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// PlayerResponse is a player's stats with derived values
type PlayerResponse struct {
	*domain.PlayerStats
	KDRatio float64 `json:"kd_ratio"`
}

// handleGetTenantServers returns the status of every server of one tenant
func (r *Router) handleGetTenantServers(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant required")
		return
	}
	statuses, err := r.manager.Statuses(req.Context(), tenant)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleGetServerStatus returns cursor, presence and last poll of one server
func (r *Router) handleGetServerStatus(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	status, err := r.manager.Status(req.Context(), scope)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleGetLeaderboard ranks a server's players in one category
func (r *Router) handleGetLeaderboard(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	category := req.PathValue("category")
	if !validateCategory(category) {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	limit := parseLimit(req, 10, 100)
	minKills := parseMinKills(req, r.kdMinKills)

	entries, err := r.store.Leaderboard(req.Context(), scope, category, minKills, limit)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": scope.TenantID,
		"server_id": scope.ServerID,
		"category":  category,
		"entries":   entries,
	})
}

// handleGetPlayers lists every player of a server
func (r *Router) handleGetPlayers(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	players, err := r.store.ListPlayers(req.Context(), scope)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	out := make([]PlayerResponse, len(players))
	for i, p := range players {
		out[i] = PlayerResponse{PlayerStats: p, KDRatio: p.KDRatio()}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetPlayer returns one player's stats
func (r *Router) handleGetPlayer(w http.ResponseWriter, req *http.Request) {
	scope, err := scopeFromPath(req)
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	p, err := r.store.GetPlayer(req.Context(), scope, req.PathValue("player"))
	if err != nil {
		r.writeFailure(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, PlayerResponse{PlayerStats: p, KDRatio: p.KDRatio()})
}
