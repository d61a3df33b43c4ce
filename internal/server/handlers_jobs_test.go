package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/sweep/internal/models"
)

// queueScan enqueues a scan job directly on the engine. The engine is never
// started in these tests, so jobs stay queued and controls are deterministic.
func queueScan(t *testing.T, srv *Server, path string) string {
	t.Helper()
	id, err := srv.app.Engine.CreateJob(context.Background(), models.JobTypeDuplicateScan, models.ScanRequest{
		RepositoryPath: path,
		Options:        models.DefaultScanOptions(),
	})
	require.NoError(t, err)
	return id
}

func TestHandleJobList(t *testing.T) {
	srv := newTestServer(t)
	scanID := queueScan(t, srv, "/srv/repos/api")
	cleanupID, err := srv.app.Engine.CreateJob(context.Background(), models.JobTypeRepoCleanup, models.CleanupRequest{
		RepositoryPath: "/srv/repos/api",
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 2, body.Count)

	ids := []string{body.Jobs[0].ID, body.Jobs[1].ID}
	assert.Contains(t, ids, scanID)
	assert.Contains(t, ids, cleanupID)
}

func TestHandleJobList_TypeFilter(t *testing.T) {
	srv := newTestServer(t)
	queueScan(t, srv, "/srv/repos/api")
	cleanupID, err := srv.app.Engine.CreateJob(context.Background(), models.JobTypeRepoCleanup, models.CleanupRequest{
		RepositoryPath: "/srv/repos/api",
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/jobs?type="+models.JobTypeRepoCleanup, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, cleanupID, body.Jobs[0].ID)
}

func TestHandleJobGet(t *testing.T) {
	srv := newTestServer(t)
	id := queueScan(t, srv, "/srv/repos/api")

	rec := doJSON(t, srv, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestHandleJobGet_NotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/jobs/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Error)
}

func TestHandleJobCancel(t *testing.T) {
	srv := newTestServer(t)
	id := queueScan(t, srv, "/srv/repos/api")

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.ControlResult
	decodeBody(t, rec, &result)
	assert.True(t, result.OK)

	job, ok := srv.app.Engine.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestHandleJobCancel_AlreadyTerminal(t *testing.T) {
	srv := newTestServer(t)
	id := queueScan(t, srv, "/srv/repos/api")
	require.True(t, srv.app.Engine.CancelJob(id).OK)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	e := decodeError(t, rec)
	assert.Equal(t, ErrCodeConflict, e.Error)
	assert.Equal(t, models.ReasonAlreadyTerminal, e.Message)
}

func TestHandleJobCancel_NotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/no-such-job/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleJobPauseResume(t *testing.T) {
	srv := newTestServer(t)
	id := queueScan(t, srv, "/srv/repos/api")

	rec := doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, ok := srv.app.Engine.GetJob(id)
	require.True(t, ok)
	require.Equal(t, models.JobStatusPaused, job.Status)

	rec = doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	job, ok = srv.app.Engine.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t)
	queueScan(t, srv, "/srv/repos/api")
	queueScan(t, srv, "/srv/repos/web")

	rec := doJSON(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total  int  `json:"total"`
		Queued int  `json:"queued"`
		Paused bool `json:"paused"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Queued)
	assert.False(t, body.Paused)
}

func TestHandleEnginePauseResume(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, srv.app.Engine.IsPaused())

	var body struct {
		Paused bool `json:"paused"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Paused)

	rec = doJSON(t, srv, http.MethodPost, "/api/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, srv.app.Engine.IsPaused())
}
