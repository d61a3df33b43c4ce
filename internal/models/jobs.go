package models

import (
	"fmt"
	"regexp"
	"time"
)

// JobStatus is the lifecycle state of a job record.
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job type constants
const (
	JobTypeDuplicateScan = "duplicate-detection"
	JobTypeRepoCleanup   = "repo-cleanup"
)

// Job is the canonical record for a unit of work. The orchestrator's store
// exclusively owns these; everything outside receives snapshots via Clone.
type Job struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      JobStatus   `json:"status"`
	Data        interface{} `json:"data,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       *JobError   `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Attempts    int         `json:"attempts"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Git         *GitResult  `json:"git,omitempty"`

	// Control flags, engine internal. Never serialized.
	CancelRequested bool `json:"-"`
	PauseRequested  bool `json:"-"`
}

// Clone returns a snapshot safe to hand outside the store's critical section.
func (j *Job) Clone() Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Git != nil {
		g := *j.Git
		g.ChangedFiles = append([]string(nil), j.Git.ChangedFiles...)
		c.Git = &g
	}
	return c
}

// DurationMS returns the wall-clock run duration, or 0 when the job never ran.
func (j *Job) DurationMS() int64 {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt).Milliseconds()
}

// GitResult records the Git side-effects of a job that opted into the Git protocol.
type GitResult struct {
	BranchName   string   `json:"branch_name,omitempty"`
	BaseBranch   string   `json:"base_branch,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	PRURL        string   `json:"pr_url,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	DryRun       bool     `json:"dry_run,omitempty"`
}

// PRContext carries the pull request fields a worker generates for its job.
type PRContext struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Draft bool   `json:"draft,omitempty"`
}

// ErrorClassification tags a failure for the retry controller.
type ErrorClassification string

// Error classification constants
const (
	ClassRetryable   ErrorClassification = "retryable"
	ClassTransient   ErrorClassification = "transient"
	ClassPermanent   ErrorClassification = "permanent"
	ClassRateLimited ErrorClassification = "rate_limited"
	ClassTimeout     ErrorClassification = "timeout"
	ClassCancelled   ErrorClassification = "cancelled"
	ClassCircuitOpen ErrorClassification = "circuit_open"
	ClassInternal    ErrorClassification = "internal"
	ClassUnknown     ErrorClassification = "unknown"
)

// Retryable reports whether the classification is eligible for retry at all.
// Timeout carries its own lower sub-cap enforced by the retry controller.
func (c ErrorClassification) Retryable() bool {
	switch c {
	case ClassRetryable, ClassTransient, ClassRateLimited, ClassTimeout:
		return true
	default:
		return false
	}
}

// JobError is the normalized failure detail attached to a failed job.
// It is produced at exactly one point (the runner) so downstream consumers
// never see raw nils or untyped panics.
type JobError struct {
	Message        string              `json:"message"`
	Code           string              `json:"code,omitempty"`
	Stack          string              `json:"stack,omitempty"`
	Classification ErrorClassification `json:"classification"`
	RetryAfterMS   int64               `json:"retry_after_ms,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil || e.Message == "" {
		return "Unknown error"
	}
	return e.Message
}

// ClassifiedError lets a handler attach classification metadata to a failure.
// The runner's classifier unwraps it; plain errors fall back to heuristics.
type ClassifiedError struct {
	Err            error
	Classification ErrorClassification
	Code           string
	RetryAfter     time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Classification)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient (retryable).
func NewTransientError(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Classification: ClassTransient}
}

// NewPermanentError wraps err as permanent (surfaces immediately).
func NewPermanentError(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Classification: ClassPermanent}
}

// NewRateLimitedError wraps err as rate-limited with an optional retry-after hint.
func NewRateLimitedError(err error, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{Err: err, Classification: ClassRateLimited, RetryAfter: retryAfter}
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
}

// Matches reports whether the job passes the filter (limit excluded).
func (f JobFilter) Matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

// Stats is the engine counter snapshot exposed by the control surface.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ControlResult is returned by cancel/pause/resume operations.
type ControlResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ReasonAlreadyTerminal is returned when a control operation hits a terminal job.
const ReasonAlreadyTerminal = "already terminal"

// HistoryRecord is one NDJSON line in the append-only terminal-job history.
type HistoryRecord struct {
	JobID       string    `json:"job_id"`
	Type        string    `json:"type"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Attempts    int       `json:"attempts"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       *JobError `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// NewHistoryRecord builds the history line for a terminal job snapshot.
func NewHistoryRecord(j Job) HistoryRecord {
	return HistoryRecord{
		JobID:       j.ID,
		Type:        j.Type,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		DurationMS:  j.DurationMS(),
		Attempts:    j.Attempts,
		Fingerprint: j.Fingerprint,
		Error:       j.Error,
		RecordedAt:  time.Now(),
	}
}

var retrySuffixPattern = regexp.MustCompile(`-retry\d+$`)

// RetryJobID derives the id for retry attempt n of a logical job.
// Retries always chain off the root id, so ids stay flat: "X-retry1", "X-retry2".
func RetryJobID(id string, n int) string {
	return fmt.Sprintf("%s-retry%d", RootJobID(id), n)
}

// RootJobID strips "-retryN" suffixes, repeatedly, to recover the original id.
// Nested suffixes ("X-retry1-retry2") collapse to the same root.
func RootJobID(id string) string {
	for {
		stripped := retrySuffixPattern.ReplaceAllString(id, "")
		if stripped == id {
			return id
		}
		id = stripped
	}
}
