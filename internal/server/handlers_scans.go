package server

import (
	"net/http"
	"time"

	"github.com/bobmcallan/sweep/internal/models"
)

// Scan creation uses the camelCase wire contract shared with the dashboard;
// everything engine-internal stays on the models' snake_case form.

type scanOptionsDTO struct {
	ForceRefresh bool  `json:"forceRefresh"`
	IncludeTests bool  `json:"includeTests"`
	MaxDepth     int   `json:"maxDepth"`
	CacheEnabled *bool `json:"cacheEnabled"`
}

type scanCreateDTO struct {
	RepositoryPath string          `json:"repositoryPath"`
	Options        *scanOptionsDTO `json:"options"`
}

type scanMultiDTO struct {
	RepositoryPaths []string        `json:"repositoryPaths"`
	GroupName       string          `json:"groupName"`
	Options         *scanOptionsDTO `json:"options"`
}

type scanAcceptedDTO struct {
	ScanID    string    `json:"scanId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// toModel maps the wire options onto engine scan options. A missing
// cacheEnabled key means cache on.
func (o *scanOptionsDTO) toModel() models.ScanOptions {
	opts := models.DefaultScanOptions()
	if o == nil {
		return opts
	}
	opts.ForceRefresh = o.ForceRefresh
	opts.IncludeTests = o.IncludeTests
	opts.MaxDepth = o.MaxDepth
	if o.CacheEnabled != nil {
		opts.CacheEnabled = *o.CacheEnabled
	}
	return opts
}

// handleScanCreate handles POST /api/scans.
func (s *Server) handleScanCreate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req scanCreateDTO
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.RepositoryPath == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "repositoryPath is required")
		return
	}

	jobID, err := s.app.Engine.CreateJob(r.Context(), models.JobTypeDuplicateScan, models.ScanRequest{
		RepositoryPath: req.RepositoryPath,
		Options:        req.Options.toModel(),
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, scanAcceptedDTO{
		ScanID:    jobID,
		Status:    string(models.JobStatusQueued),
		Timestamp: time.Now().UTC(),
	})
}

// handleScanMulti handles POST /api/scans/multi.
func (s *Server) handleScanMulti(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req scanMultiDTO
	if !DecodeJSON(w, r, &req) {
		return
	}
	if len(req.RepositoryPaths) == 0 {
		WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, "repositoryPaths is required")
		return
	}

	jobID, err := s.app.Engine.CreateJob(r.Context(), models.JobTypeDuplicateScan, models.ScanRequest{
		RepositoryPaths: req.RepositoryPaths,
		GroupName:       req.GroupName,
		Options:         req.Options.toModel(),
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, scanAcceptedDTO{
		ScanID:    jobID,
		Status:    string(models.JobStatusQueued),
		Timestamp: time.Now().UTC(),
	})
}
