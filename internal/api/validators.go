package api

import (
	"net/http"
	"strconv"

	"github.com/ernie/deadside-tracker/internal/domain"
	"github.com/ernie/deadside-tracker/internal/storage"
)

var validCategories = func() map[string]bool {
	m := make(map[string]bool, len(storage.Categories))
	for _, c := range storage.Categories {
		m[c] = true
	}
	return m
}()

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseMinKills parses the kd qualifying threshold
func parseMinKills(r *http.Request, def int) int {
	if v := r.URL.Query().Get("min_kills"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

// parseBool reads a boolean query flag, false when absent or malformed
func parseBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// validateCategory checks if a leaderboard category is valid
func validateCategory(category string) bool {
	return validCategories[category]
}

// scopeFromPath reads the tenant and server path values
func scopeFromPath(req *http.Request) (domain.Scope, error) {
	scope := domain.NewScope(req.PathValue("tenant"), req.PathValue("server"))
	return scope, scope.Validate()
}
