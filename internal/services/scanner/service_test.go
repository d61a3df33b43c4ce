package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/models"
	"github.com/bobmcallan/sweep/internal/services/scancache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

// memReportStore is an in-memory interfaces.ReportStore for worker tests.
type memReportStore struct {
	mu       sync.Mutex
	saved    []*models.ScanReport
	failWith error
}

func (m *memReportStore) SaveReport(_ context.Context, r *models.ScanReport) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	m.saved = append(m.saved, r)
	return "/reports/" + r.ReportID + ".json", nil
}

func (m *memReportStore) ListReports(_ context.Context, _ string, _ int) ([]models.ReportSummary, error) {
	return nil, nil
}

func (m *memReportStore) LatestReport(_ context.Context, _ string) (*models.ScanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func (m *memReportStore) GetReport(_ context.Context, reportID string) (*models.ScanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.saved {
		if r.ReportID == reportID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memReportStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// busRecorder captures published events for assertion.
type busRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func recordBus(t *testing.T, bus *events.Bus, types ...models.EventType) *busRecorder {
	t.Helper()
	rec := &busRecorder{}
	ch, cancel := bus.SubscribeTypes(types...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			rec.mu.Lock()
			rec.events = append(rec.events, evt)
			rec.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func (r *busRecorder) countType(tp models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == tp {
			n++
		}
	}
	return n
}

type scanFixture struct {
	cfg    *common.Config
	bus    *events.Bus
	cache  *scancache.Service
	store  *memReportStore
	worker *Worker
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	cfg := common.NewDefaultConfig()
	logger := common.NewLogger("error")
	bus := events.NewBus(logger, 256)
	t.Cleanup(bus.Close)

	store := &memReportStore{}
	cache := scancache.NewService(cfg, logger, bus)
	return &scanFixture{
		cfg:    cfg,
		bus:    bus,
		cache:  cache,
		store:  store,
		worker: NewWorker(cfg, logger, bus, cache, store, nil),
	}
}

// duplicatedRepoFiles is a two-file tree with one shared block.
func duplicatedRepoFiles() map[string]string {
	block := `package main

func process() {
	rows := fetchRows(db)
	cleaned := sanitize(rows)
	ranked := rank(cleaned)
	persist(ranked)
}
`
	return map[string]string{"a.go": block, "b.go": block}
}

func scanJob(root string, opts models.ScanOptions) models.Job {
	return models.Job{
		ID:     "duplicate-detection-test1",
		Type:   models.JobTypeDuplicateScan,
		Status: models.JobStatusRunning,
		Data:   models.ScanRequest{RepositoryPath: root, Options: opts},
	}
}

// --- tests ---

func TestWorker_JobType(t *testing.T) {
	fx := newScanFixture(t)
	assert.Equal(t, models.JobTypeDuplicateScan, fx.worker.JobType())
}

func TestWorker_RunProducesReport(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())
	rec := recordBus(t, fx.bus, models.EventScanStarted, models.EventScanProgress, models.EventScanCompleted)

	job := scanJob(root, models.DefaultScanOptions())
	fp, err := fx.worker.Fingerprint(context.Background(), job)
	require.NoError(t, err)
	job.Fingerprint = fp

	result, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	report, ok := result.(*models.ScanReport)
	require.True(t, ok, "result should be a scan report, got %T", result)
	assert.False(t, report.FromCache)
	assert.Equal(t, fp, report.Fingerprint)
	assert.Equal(t, models.ScanSchemaVersion, report.SchemaVersion)

	require.Len(t, report.Repositories, 1)
	assert.Equal(t, filepath.Base(root), report.Repositories[0].RepositoryName)
	assert.Equal(t, 2, report.Repositories[0].TotalFiles)
	assert.Equal(t, []string{"go"}, report.Repositories[0].Languages)

	require.NotEmpty(t, report.Groups)
	assert.Equal(t, 1, report.Metrics.ExactDuplicates)
	assert.NotEmpty(t, report.Suggestions)
	assert.Greater(t, report.Metrics.DuplicationPercentage, 0.0)

	assert.Equal(t, 1, fx.store.count())

	require.Eventually(t, func() bool {
		return rec.countType(models.EventScanStarted) == 1 &&
			rec.countType(models.EventScanCompleted) == 1 &&
			rec.countType(models.EventScanProgress) >= 1
	}, 2*time.Second, 10*time.Millisecond, "scan events should reach the bus")
}

func TestWorker_SecondRunServedFromCache(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())

	job := scanJob(root, models.DefaultScanOptions())
	fp, err := fx.worker.Fingerprint(context.Background(), job)
	require.NoError(t, err)
	job.Fingerprint = fp

	first, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)
	second, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	r1 := first.(*models.ScanReport)
	r2 := second.(*models.ScanReport)
	assert.False(t, r1.FromCache)
	assert.True(t, r2.FromCache)
	assert.Equal(t, r1.ReportID, r2.ReportID)
	assert.Equal(t, 1, fx.store.count(), "cached run must not rebuild the report")

	// The cached artifact itself stays unflagged; only the returned copy is marked.
	art, ok := fx.cache.Get(fp)
	require.True(t, ok)
	assert.False(t, art.(*models.ScanReport).FromCache)
}

func TestWorker_ForceRefreshRebuilds(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())

	job := scanJob(root, models.DefaultScanOptions())
	fp, err := fx.worker.Fingerprint(context.Background(), job)
	require.NoError(t, err)
	job.Fingerprint = fp

	_, err = fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	opts := models.DefaultScanOptions()
	opts.ForceRefresh = true
	refreshed := scanJob(root, opts)
	refreshed.Fingerprint = fp

	result, err := fx.worker.Run(context.Background(), refreshed)
	require.NoError(t, err)
	assert.False(t, result.(*models.ScanReport).FromCache)
	assert.Equal(t, 2, fx.store.count(), "force refresh must rebuild")
}

func TestWorker_CacheDisabledSkipsCache(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())

	opts := models.DefaultScanOptions()
	opts.CacheEnabled = false
	job := scanJob(root, opts)
	job.Fingerprint = "fp-uncached"

	_, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)
	_, err = fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 2, fx.store.count())
	assert.Zero(t, fx.cache.Stats().Entries)
}

func TestWorker_EmptyRequestIsPermanent(t *testing.T) {
	fx := newScanFixture(t)
	job := models.Job{
		ID:   "duplicate-detection-empty",
		Type: models.JobTypeDuplicateScan,
		Data: map[string]interface{}{},
	}

	_, err := fx.worker.Run(context.Background(), job)
	require.Error(t, err)

	var ce *models.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ClassPermanent, ce.Classification)
}

func TestWorker_MissingRepositoryIsPermanent(t *testing.T) {
	fx := newScanFixture(t)
	rec := recordBus(t, fx.bus, models.EventScanFailed)

	job := scanJob(filepath.Join(t.TempDir(), "absent"), models.DefaultScanOptions())
	job.Fingerprint = "fp-absent"

	_, err := fx.worker.Run(context.Background(), job)
	require.Error(t, err)

	var ce *models.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ClassPermanent, ce.Classification)
	assert.Zero(t, fx.store.count())

	require.Eventually(t, func() bool {
		return rec.countType(models.EventScanFailed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_SaveFailureFailsScan(t *testing.T) {
	fx := newScanFixture(t)
	fx.store.failWith = errors.New("disk full")
	root := writeRepo(t, duplicatedRepoFiles())

	job := scanJob(root, models.DefaultScanOptions())
	job.Fingerprint = "fp-savefail"

	_, err := fx.worker.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save report")

	// Failed builds are not cached.
	_, ok := fx.cache.Get("fp-savefail")
	assert.False(t, ok)
}

func TestWorker_MultiRepositoryScan(t *testing.T) {
	fx := newScanFixture(t)
	content := `package svc

func ingest(batch []Record) {
	checked := validate(batch)
	deduped := dedupe(checked)
	write(deduped)
}
`
	rootA := writeRepo(t, map[string]string{"svc.go": content})
	rootB := writeRepo(t, map[string]string{"svc.go": content})

	job := models.Job{
		ID:          "duplicate-detection-multi",
		Type:        models.JobTypeDuplicateScan,
		Fingerprint: "fp-multi",
		Data: models.ScanRequest{
			RepositoryPaths: []string{rootA, rootB},
			GroupName:       "pair",
			Options:         models.DefaultScanOptions(),
		},
	}

	result, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	report := result.(*models.ScanReport)
	assert.True(t, report.IsMultiRepository())
	assert.Equal(t, "pair", report.GroupName)
	require.Len(t, report.Repositories, 2)

	require.NotEmpty(t, report.Groups)
	assert.True(t, report.Groups[0].CrossRepository)
	assert.Equal(t, 1, report.Metrics.CrossRepositoryDuplicates)
}

func TestWorker_FingerprintStableAndOptionSensitive(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())
	ctx := context.Background()

	base := scanJob(root, models.DefaultScanOptions())
	fp1, err := fx.worker.Fingerprint(ctx, base)
	require.NoError(t, err)
	fp2, err := fx.worker.Fingerprint(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	withTests := models.DefaultScanOptions()
	withTests.IncludeTests = true
	fp3, err := fx.worker.Fingerprint(ctx, scanJob(root, withTests))
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "include_tests changes scan output")

	forced := models.DefaultScanOptions()
	forced.ForceRefresh = true
	fp4, err := fx.worker.Fingerprint(ctx, scanJob(root, forced))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp4, "force_refresh steers caching, not results")
}

func TestWorker_FingerprintRejectsEmptyRequest(t *testing.T) {
	fx := newScanFixture(t)
	_, err := fx.worker.Fingerprint(context.Background(), models.Job{
		ID:   "duplicate-detection-none",
		Type: models.JobTypeDuplicateScan,
		Data: map[string]interface{}{"options": map[string]interface{}{}},
	})
	require.Error(t, err)

	var ce *models.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, models.ClassPermanent, ce.Classification)
}

func TestWorker_CachedRunStillEmitsLifecycleEvents(t *testing.T) {
	fx := newScanFixture(t)
	root := writeRepo(t, duplicatedRepoFiles())
	job := scanJob(root, models.DefaultScanOptions())
	job.Fingerprint = "fp-events"

	_, err := fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	rec := recordBus(t, fx.bus, models.EventScanStarted, models.EventScanCompleted, models.EventScanProgress)
	_, err = fx.worker.Run(context.Background(), job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.countType(models.EventScanStarted) == 1 &&
			rec.countType(models.EventScanCompleted) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, rec.countType(models.EventScanProgress), "cache hit runs no pipeline stages")
}
