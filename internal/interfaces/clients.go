package interfaces

import (
	"context"

	"github.com/bobmcallan/sweep/internal/models"
)

// GitService performs repository side effects for workers that opt in.
// When dry-run is enabled all mutating calls are logged and skipped but
// still return plausible values so the job record stays populated.
type GitService interface {
	// HeadInfo returns the checked-out branch name and HEAD commit SHA.
	HeadInfo(ctx context.Context, repoPath string) (branch string, sha string, err error)

	// PrepareBranch creates and checks out branch from the configured base
	// branch, returning a restore func that checks the original branch back
	// out. Restore runs on every job exit path, success or failure.
	PrepareBranch(ctx context.Context, repoPath, branch string) (restore func() error, err error)

	// ChangedFiles lists worktree paths that differ from HEAD.
	ChangedFiles(ctx context.Context, repoPath string) ([]string, error)

	// CommitAndPush stages everything, commits with message, pushes the
	// branch to origin, and returns the new commit SHA.
	CommitAndPush(ctx context.Context, repoPath, branch, message string) (sha string, err error)

	// CreatePullRequest opens a pull request for branch against the base
	// branch and returns its URL. Requires a GitHub token; without one the
	// step is skipped and an empty URL returned.
	CreatePullRequest(ctx context.Context, repoPath, branch string, pr models.PRContext) (url string, err error)

	// DryRun reports whether mutations are being skipped.
	DryRun() bool
}
