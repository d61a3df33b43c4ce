// Package scanner implements the duplicate-detection scan pipeline: walk
// repositories, normalize source lines, group repeated blocks, and emit a
// scored report. It plugs into the engine as the duplicate-detection worker.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// Worker is the duplicate-detection job handler. Scans never mutate the
// repository, so it does not participate in the Git side-effect protocol.
type Worker struct {
	cfg      *common.Config
	logger   *common.Logger
	bus      *events.Bus
	cache    interfaces.ScanCache
	reports  interfaces.ReportStore
	git      interfaces.GitService
	detector *Detector
}

var (
	_ interfaces.Worker        = (*Worker)(nil)
	_ interfaces.Fingerprinter = (*Worker)(nil)
)

// NewWorker creates the scan worker. cache, reports, and git may be nil;
// the worker degrades to uncached, unpersisted, worktree-keyed scans.
func NewWorker(cfg *common.Config, logger *common.Logger, bus *events.Bus,
	cache interfaces.ScanCache, reports interfaces.ReportStore, git interfaces.GitService) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		cache:    cache,
		reports:  reports,
		git:      git,
		detector: NewDetector(cfg.Scan, logger),
	}
}

func (w *Worker) JobType() string {
	return models.JobTypeDuplicateScan
}

// Fingerprint keys the scan by repositories, HEAD commits, handler version,
// and result-affecting options. Dirty or non-git worktrees key as "worktree",
// which keeps them cacheable but bust-able via force_refresh.
func (w *Worker) Fingerprint(ctx context.Context, job models.Job) (string, error) {
	req, err := models.ParseScanRequest(job.Data)
	if err != nil {
		return "", models.NewPermanentError(err)
	}
	paths := req.Paths()
	if len(paths) == 0 {
		return "", models.NewPermanentError(errors.New("scan request names no repositories"))
	}

	shas := make([]string, len(paths))
	for i, path := range paths {
		shas[i] = "worktree"
		if w.git == nil {
			continue
		}
		if _, sha, herr := w.git.HeadInfo(ctx, path); herr == nil && sha != "" {
			shas[i] = sha
		}
	}
	return models.ScanFingerprint(
		strings.Join(paths, ","),
		strings.Join(shas, ","),
		w.cfg.Scan.HandlerVersion,
		req.Options.Hash(),
	), nil
}

// Run executes one duplicate-detection job. The result payload is always a
// *models.ScanReport; cached results are returned with FromCache set.
func (w *Worker) Run(ctx context.Context, job models.Job) (interface{}, error) {
	req, err := models.ParseScanRequest(job.Data)
	if err != nil {
		return nil, models.NewPermanentError(err)
	}
	paths := req.Paths()
	if len(paths) == 0 {
		return nil, models.NewPermanentError(errors.New("scan request names no repositories"))
	}

	w.publish(models.EventScanStarted, job, models.ScanProgressPayload{Stage: "walk", FilesScanned: 0})

	fingerprint := job.Fingerprint
	if fingerprint == "" {
		if fingerprint, err = w.Fingerprint(ctx, job); err != nil {
			return nil, err
		}
	}

	if req.Options.ForceRefresh && w.cache != nil {
		w.cache.Invalidate(fingerprint)
	}

	build := func(ctx context.Context) (interface{}, error) {
		return w.scan(ctx, job, req, fingerprint)
	}

	useCache := w.cache != nil && req.Options.CacheEnabled && w.cfg.Cache.Enabled
	if !useCache {
		artifact, err := build(ctx)
		if err != nil {
			w.publish(models.EventScanFailed, job, nil)
			return nil, err
		}
		report := artifact.(*models.ScanReport)
		w.publish(models.EventScanCompleted, job, report.Summary())
		return report, nil
	}

	artifact, fromCache, err := w.cache.Do(ctx, fingerprint, paths[0], w.cfg.Cache.GetTTLFor(job.Type), build)
	if err != nil {
		w.publish(models.EventScanFailed, job, nil)
		return nil, err
	}
	report, ok := artifact.(*models.ScanReport)
	if !ok {
		return nil, fmt.Errorf("cache returned unexpected artifact %T for fingerprint %s", artifact, fingerprint)
	}
	if fromCache {
		clone := *report
		clone.FromCache = true
		report = &clone
		w.logger.Debug().
			Str("job_id", job.ID).
			Str("fingerprint", fingerprint).
			Str("report_id", report.ReportID).
			Msg("Scan served from cache")
	}
	w.publish(models.EventScanCompleted, job, report.Summary())
	return report, nil
}

// scan is the cache-miss path: walk, detect, assemble, persist.
func (w *Worker) scan(ctx context.Context, job models.Job, req models.ScanRequest, fingerprint string) (interface{}, error) {
	started := time.Now()
	paths := req.Paths()

	var (
		timings      []models.StageTiming
		allBlocks    []*fileBlocks
		repos        = make([]models.RepositoryInfo, 0, len(paths))
		filesScanned int
	)

	walkStart := time.Now()
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, blocks, err := w.scanRepository(ctx, path, req.Options)
		if err != nil {
			return nil, err
		}
		repos = append(repos, info)
		allBlocks = append(allBlocks, blocks...)
		filesScanned += info.TotalFiles
		w.progress(job, "walk", float64(i+1)/float64(len(paths))*60, filesScanned, path)
	}
	timings = append(timings, stageTiming("walk", walkStart))

	detectStart := time.Now()
	groups := w.detector.Group(allBlocks)
	timings = append(timings, stageTiming("detect", detectStart))
	w.progress(job, "detect", 85, filesScanned, "")

	report := assembleReport(fingerprint, req.GroupName, started, repos, w.configuration(req.Options), groups, timings)

	persistStart := time.Now()
	if w.reports != nil {
		path, err := w.reports.SaveReport(ctx, report)
		if err != nil {
			return nil, fmt.Errorf("save report: %w", err)
		}
		w.logger.Debug().
			Str("job_id", job.ID).
			Str("report_id", report.ReportID).
			Str("path", path).
			Msg("Scan report written")
	}
	report.Timings = append(report.Timings, stageTiming("persist", persistStart))
	report.DurationMS = time.Since(started).Milliseconds()
	w.progress(job, "persist", 100, filesScanned, "")

	w.logger.Info().
		Str("job_id", job.ID).
		Str("report_id", report.ReportID).
		Int("files", filesScanned).
		Int("groups", len(groups)).
		Float64("duplication_pct", report.Metrics.DuplicationPercentage).
		Int64("duration_ms", report.DurationMS).
		Msg("Scan finished")
	return report, nil
}

// scanRepository walks one repository and extracts its comparable lines.
func (w *Worker) scanRepository(ctx context.Context, path string, opts models.ScanOptions) (models.RepositoryInfo, []*fileBlocks, error) {
	files, err := walkRepository(ctx, path, opts, w.cfg.Scan.ExcludedPaths)
	if err != nil {
		return models.RepositoryInfo{}, nil, err
	}

	name := filepath.Base(filepath.Clean(path))
	info := models.RepositoryInfo{
		RepositoryPath: path,
		RepositoryName: name,
		Languages:      repositoryLanguages(files),
	}
	if w.git != nil {
		if branch, sha, herr := w.git.HeadInfo(ctx, path); herr == nil {
			info.GitBranch = branch
			info.GitCommit = sha
		}
	}

	blocks := make([]*fileBlocks, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return info, nil, err
		}
		fb, ok := w.detector.extractFile(f, path, name)
		if !ok {
			w.logger.Debug().Str("file", f.relPath).Msg("Skipping unreadable file")
			continue
		}
		info.TotalFiles++
		info.TotalLines += fb.totalLines
		blocks = append(blocks, fb)
	}
	return info, blocks, nil
}

// configuration records the effective settings onto the report.
func (w *Worker) configuration(opts models.ScanOptions) models.ScanConfiguration {
	return models.ScanConfiguration{
		RulesUsed:              []string{models.CategoryExact, models.CategoryStructural},
		ExcludedPaths:          w.cfg.Scan.ExcludedPaths,
		MinSimilarityThreshold: w.cfg.Scan.MinSimilarity,
		MinDuplicateSize:       w.cfg.Scan.MinBlockLines,
		IncludeTests:           opts.IncludeTests,
		MaxDepth:               opts.MaxDepth,
		HandlerVersion:         w.cfg.Scan.HandlerVersion,
	}
}

func (w *Worker) publish(t models.EventType, job models.Job, payload interface{}) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(models.NewEvent(t, job.ID, job.Type, payload))
}

func (w *Worker) progress(job models.Job, stage string, percent float64, files int, repo string) {
	w.publish(models.EventScanProgress, job, models.ScanProgressPayload{
		Stage:          stage,
		Percent:        math.Round(percent*10) / 10,
		FilesScanned:   files,
		RepositoryPath: repo,
	})
}

func stageTiming(stage string, start time.Time) models.StageTiming {
	return models.StageTiming{Stage: stage, DurationMS: time.Since(start).Milliseconds()}
}
