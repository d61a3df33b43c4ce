// Package cleanup implements the repo-cleanup pipeline worker: it prunes
// stray artifact files matching the configured glob set and rides the engine's
// Git protocol so removals land on a branch with a pull request.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// Worker handles repo-cleanup jobs. It mutates the worktree, so it caps
// itself at one concurrent job: two cleanups on overlapping repositories
// would fight over branches and file state.
type Worker struct {
	cfg    *common.Config
	logger *common.Logger
}

var (
	_ interfaces.Worker             = (*Worker)(nil)
	_ interfaces.GitWorker          = (*Worker)(nil)
	_ interfaces.ConcurrencyLimiter = (*Worker)(nil)
	_ interfaces.CommitMessager     = (*Worker)(nil)
	_ interfaces.PRContexter        = (*Worker)(nil)
)

func NewWorker(cfg *common.Config, logger *common.Logger) *Worker {
	return &Worker{cfg: cfg, logger: logger}
}

func (w *Worker) JobType() string {
	return models.JobTypeRepoCleanup
}

func (w *Worker) MaxConcurrent() int { return 1 }

// RepositoryPath opts cleanup jobs into the Git side-effect protocol.
func (w *Worker) RepositoryPath(job models.Job) string {
	req, err := models.ParseCleanupRequest(job.Data)
	if err != nil {
		return ""
	}
	return req.RepositoryPath
}

// Run deletes files matching the glob set. In Git dry-run mode matches are
// reported without deleting, so the worktree stays untouched end to end.
func (w *Worker) Run(ctx context.Context, job models.Job) (interface{}, error) {
	req, err := models.ParseCleanupRequest(job.Data)
	if err != nil {
		return nil, models.NewPermanentError(err)
	}
	if req.RepositoryPath == "" {
		return nil, models.NewPermanentError(errors.New("cleanup request names no repository"))
	}
	info, err := os.Stat(req.RepositoryPath)
	if err != nil {
		return nil, models.NewPermanentError(fmt.Errorf("repository path %s: %w", req.RepositoryPath, err))
	}
	if !info.IsDir() {
		return nil, models.NewPermanentError(fmt.Errorf("repository path %s is not a directory", req.RepositoryPath))
	}

	globs := w.globsFor(req)
	dryRun := w.cfg.Git.DryRun
	result := &models.CleanupResult{
		RepositoryPath: req.RepositoryPath,
		DryRun:         dryRun,
	}

	err = filepath.WalkDir(req.RepositoryPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(globs, d.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(req.RepositoryPath, path)
		if relErr != nil {
			rel = path
		}
		var size int64
		if fi, ierr := d.Info(); ierr == nil {
			size = fi.Size()
		}
		if !dryRun {
			if rerr := os.Remove(path); rerr != nil {
				w.logger.Warn().
					Str("job_id", job.ID).
					Str("file", rel).
					Err(rerr).
					Msg("Failed to remove artifact file")
				return nil
			}
		}
		result.RemovedFiles = append(result.RemovedFiles, filepath.ToSlash(rel))
		result.BytesFreed += size
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(result.RemovedFiles)
	result.RemovedCount = len(result.RemovedFiles)

	w.logger.Info().
		Str("job_id", job.ID).
		Str("repo", req.RepositoryPath).
		Int("removed", result.RemovedCount).
		Int64("bytes_freed", result.BytesFreed).
		Bool("dry_run", dryRun).
		Msg("Repository cleanup finished")
	return result, nil
}

// GenerateCommitMessage builds the commit message for the Git protocol.
// Hooks see the pre-run job snapshot, so the message derives from the request.
func (w *Worker) GenerateCommitMessage(job models.Job) string {
	req, err := models.ParseCleanupRequest(job.Data)
	if err != nil || req.RepositoryPath == "" {
		return fmt.Sprintf("chore: repository cleanup (%s)", job.ID)
	}
	return fmt.Sprintf("chore: remove stray artifacts from %s", filepath.Base(filepath.Clean(req.RepositoryPath)))
}

// GeneratePRContext builds the pull request title and body.
func (w *Worker) GeneratePRContext(job models.Job) models.PRContext {
	req, _ := models.ParseCleanupRequest(job.Data)
	return models.PRContext{
		Title: w.GenerateCommitMessage(job),
		Body: fmt.Sprintf("Automated cleanup by job `%s`.\n\nRemoves files matching: %s",
			job.ID, strings.Join(w.globsFor(req), ", ")),
	}
}

func (w *Worker) globsFor(req models.CleanupRequest) []string {
	if len(req.Globs) > 0 {
		return req.Globs
	}
	return w.cfg.Scan.CleanupGlobs
}

func matchesAny(globs []string, name string) bool {
	for _, glob := range globs {
		if ok, err := filepath.Match(glob, name); err == nil && ok {
			return true
		}
	}
	return false
}
