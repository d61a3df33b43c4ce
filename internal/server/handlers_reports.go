package server

import (
	"net/http"
	"strings"
)

// handleReportList handles GET /api/reports?repository=&limit=.
func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	repository := r.URL.Query().Get("repository")
	limit := queryInt(r, "limit", 20, 200)

	summaries, err := s.app.Reports.ListReports(r.Context(), repository, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"reports": summaries,
		"count":   len(summaries),
	})
}

// handleReportLatest handles GET /api/reports/latest?repository=.
func (s *Server) handleReportLatest(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	repository := r.URL.Query().Get("repository")
	report, err := s.app.Reports.LatestReport(r.Context(), repository)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if report == nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "No reports available")
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// handleReportGet handles GET /api/reports/{id}.
func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Not found")
		return
	}

	report, err := s.app.Reports.GetReport(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if report == nil {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Report not found: "+id)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
