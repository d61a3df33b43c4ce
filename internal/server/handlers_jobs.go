package server

import (
	"net/http"
	"strings"

	"github.com/bobmcallan/sweep/internal/models"
)

// handleJobList handles GET /api/jobs with optional status, type, and limit filters.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	filter := models.JobFilter{
		Status: models.JobStatus(strings.ToLower(r.URL.Query().Get("status"))),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 0, 500),
	}

	jobs := s.app.Engine.ListJobs(filter)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleJobGet handles GET /api/jobs/{id}.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, ok := s.app.Engine.GetJob(id)
	if !ok {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Job not found: "+id)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// writeControlResult maps an engine control result onto REST semantics.
func writeControlResult(w http.ResponseWriter, result models.ControlResult) {
	if result.OK {
		WriteJSON(w, http.StatusOK, result)
		return
	}
	if result.Reason == "not found" {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Job not found")
		return
	}
	WriteErrorDetails(w, http.StatusConflict, ErrCodeConflict, result.Reason, result)
}

// handleJobCancel handles POST /api/jobs/{id}/cancel.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	writeControlResult(w, s.app.Engine.CancelJob(id))
}

// handleJobPause handles POST /api/jobs/{id}/pause.
func (s *Server) handleJobPause(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	writeControlResult(w, s.app.Engine.PauseJob(id))
}

// handleJobResume handles POST /api/jobs/{id}/resume.
func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	writeControlResult(w, s.app.Engine.ResumeJob(id))
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats := s.app.Engine.GetStats()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total":     stats.Total,
		"queued":    stats.Queued,
		"running":   stats.Running,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"paused":    s.app.Engine.IsPaused(),
	})
}

// handleEnginePause handles POST /api/pause (process-wide dispatch pause).
func (s *Server) handleEnginePause(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.app.Engine.Pause()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "paused": true})
}

// handleEngineResume handles POST /api/resume.
func (s *Server) handleEngineResume(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	s.app.Engine.Resume()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "paused": false})
}
