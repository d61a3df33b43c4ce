// Package interfaces defines service contracts for Sweep
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/sweep/internal/models"
)

// Orchestrator is the engine's control surface consumed by the HTTP, MCP,
// and cron layers. State transitions happen only behind these operations.
type Orchestrator interface {
	// CreateJob validates the type against the worker registry, inserts the
	// record, enqueues it, and returns the new job id.
	CreateJob(ctx context.Context, jobType string, data interface{}) (string, error)

	// GetJob returns a snapshot of a live or archived job.
	GetJob(id string) (models.Job, bool)

	// ListJobs returns snapshots newest-first, narrowed by filter.
	ListJobs(filter models.JobFilter) []models.Job

	// GetStats returns the engine counter snapshot.
	GetStats() models.Stats

	// CancelJob cancels a queued job immediately or signals a running one.
	// Terminal jobs return {ok:false, reason:"already terminal"}.
	CancelJob(id string) models.ControlResult

	// PauseJob holds a queued job back from dispatch. On a running job the
	// signal is advisory and applies to the next retry.
	PauseJob(id string) models.ControlResult

	// ResumeJob returns a paused job to the ready queue.
	ResumeJob(id string) models.ControlResult

	// Pause halts dispatch process-wide; running jobs finish.
	Pause()

	// Resume restarts dispatch.
	Resume()

	// IsPaused reports the process-wide pause flag.
	IsPaused() bool

	// HasQueued reports whether any job of the type is queued or running.
	// Cron producers use it for skip-if-queued admission.
	HasQueued(jobType string) bool
}

// Worker supplies the behavior for one pipeline flavor. The orchestrator
// owns all lifecycle accounting; the worker only does the work.
type Worker interface {
	// JobType identifies the pipeline kind this worker handles.
	JobType() string

	// Run executes one job under a cancellation-aware context and returns
	// the result payload or an error (optionally a models.ClassifiedError).
	Run(ctx context.Context, job models.Job) (interface{}, error)
}

// GitWorker opts a worker into the Git side-effect protocol: branch before
// the handler, commit/push/PR after success, restore in all cases.
type GitWorker interface {
	Worker

	// RepositoryPath extracts the working repository from the job payload.
	RepositoryPath(job models.Job) string
}

// Fingerprinter lets a worker derive the stable fingerprint for a job
// before its handler runs. The runner calls it once per retry chain; retry
// records inherit the parent fingerprint.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, job models.Job) (string, error)
}

// ConcurrencyLimiter caps concurrent jobs of one worker's type below the
// engine-wide limit. Zero or negative means no per-type cap.
type ConcurrencyLimiter interface {
	MaxConcurrent() int
}

// CommitMessager customizes the commit message for Git-protocol jobs.
type CommitMessager interface {
	GenerateCommitMessage(job models.Job) string
}

// PRContexter customizes the pull request for Git-protocol jobs.
type PRContexter interface {
	GeneratePRContext(job models.Job) models.PRContext
}

// ErrorClassifier maps a handler failure to the retry taxonomy.
// Implementations must tolerate nil and non-classified errors.
type ErrorClassifier interface {
	Classify(err error) *models.JobError
}

// ScanCache is the content-addressed result cache with single-flight builds.
type ScanCache interface {
	// Get returns the artifact when present and unexpired.
	Get(fingerprint string) (interface{}, bool)

	// Do runs builder under single-flight: concurrent callers for the same
	// fingerprint share one build. fromCache is true when no build ran for
	// this caller's benefit beyond joining an existing flight or hit.
	Do(ctx context.Context, fingerprint, repositoryPath string, ttl time.Duration,
		builder func(ctx context.Context) (interface{}, error)) (interface{}, bool, error)

	// Put stores an artifact with a TTL.
	Put(fingerprint, repositoryPath string, artifact interface{}, ttl time.Duration)

	// Invalidate removes one fingerprint; returns the number removed.
	Invalidate(fingerprint string) int

	// InvalidateRepository removes every entry for a repository path.
	InvalidateRepository(repositoryPath string) int

	// Stats returns cache counters.
	Stats() models.CacheStats

	// Entries lists unexpired entries for status surfaces.
	Entries() []models.CacheEntryInfo
}
