package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/sweep/internal/models"
)

func TestHandleActivity(t *testing.T) {
	srv := newTestServer(t)
	queueScan(t, srv, "/srv/repos/api")

	// Bus delivery is asynchronous; wait for the created event to land.
	require.Eventually(t, func() bool {
		return len(srv.app.Activity.Recent(10)) > 0
	}, 2*time.Second, 10*time.Millisecond)

	rec := doJSON(t, srv, http.MethodGet, "/api/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Activity []models.Activity `json:"activity"`
		Count    int               `json:"count"`
		Dropped  int64             `json:"dropped"`
	}
	decodeBody(t, rec, &body)
	require.NotZero(t, body.Count)
	assert.Equal(t, models.EventJobCreated, body.Activity[0].Event.Type)
	assert.NotEmpty(t, body.Activity[0].Message)
}

func TestHandleCacheStatus(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Cache.Put("fp-1", "/srv/repos/api", "artifact", time.Hour)

	rec := doJSON(t, srv, http.MethodGet, "/api/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats   models.CacheStats       `json:"stats"`
		Entries []models.CacheEntryInfo `json:"entries"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Stats.Entries)
}

func TestHandleCacheInvalidate_ByFingerprint(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Cache.Put("fp-1", "/srv/repos/api", "artifact", time.Hour)

	rec := doJSON(t, srv, http.MethodPost, "/api/cache/invalidate", map[string]interface{}{
		"fingerprint": "fp-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		OK      bool `json:"ok"`
		Removed int  `json:"removed"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.Removed)

	_, found := srv.app.Cache.Get("fp-1")
	assert.False(t, found)
}

func TestHandleCacheInvalidate_ByRepository(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Cache.Put("fp-1", "/srv/repos/api", "artifact", time.Hour)
	srv.app.Cache.Put("fp-2", "/srv/repos/api", "artifact", time.Hour)
	srv.app.Cache.Put("fp-3", "/srv/repos/web", "artifact", time.Hour)

	rec := doJSON(t, srv, http.MethodPost, "/api/cache/invalidate", map[string]interface{}{
		"repositoryPath": "/srv/repos/api",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Removed int `json:"removed"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 2, body.Removed)
}

func TestHandleCacheInvalidate_RequiresTarget(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/cache/invalidate", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Error)
}
