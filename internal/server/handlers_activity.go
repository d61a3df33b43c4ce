package server

import (
	"net/http"
)

// handleActivity handles GET /api/activity?limit=.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 50, 500)
	items := s.app.Activity.Recent(limit)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"activity": items,
		"count":    len(items),
		"dropped":  s.app.Activity.Dropped(),
	})
}

// handleCacheStatus handles GET /api/cache.
func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   s.app.Cache.Stats(),
		"entries": s.app.Cache.Entries(),
	})
}

type cacheInvalidateDTO struct {
	Fingerprint    string `json:"fingerprint"`
	RepositoryPath string `json:"repositoryPath"`
}

// handleCacheInvalidate handles POST /api/cache/invalidate.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req cacheInvalidateDTO
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Fingerprint == "" && req.RepositoryPath == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "fingerprint or repositoryPath is required")
		return
	}

	removed := 0
	if req.Fingerprint != "" {
		removed = s.app.Cache.Invalidate(req.Fingerprint)
	} else {
		removed = s.app.Cache.InvalidateRepository(req.RepositoryPath)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"removed": removed,
	})
}
