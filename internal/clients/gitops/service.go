package gitops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

const (
	// DefaultRateLimit caps GitHub API calls per second.
	DefaultRateLimit = 5
)

// Service performs branch, commit, push, and pull request side effects on
// local repository checkouts. In dry-run mode every mutation is logged and
// skipped but the calls still return plausible values so job records stay
// populated.
type Service struct {
	logger      *common.Logger
	baseBranch  string
	remoteName  string
	dryRun      bool
	pushToken   string
	authorName  string
	authorEmail string
	github      *gogithub.Client
	limiter     *rate.Limiter
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRateLimit sets the GitHub API rate limit
func WithRateLimit(requestsPerSecond int) ServiceOption {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewService creates a Git side-effect service from the runtime configuration.
func NewService(cfg *common.Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		logger:      common.NewSilentLogger(),
		baseBranch:  cfg.Git.BaseBranch,
		remoteName:  cfg.Git.Remote,
		dryRun:      cfg.Git.DryRun,
		pushToken:   cfg.ResolveGitToken(),
		authorName:  cfg.Git.AuthorName,
		authorEmail: cfg.Git.AuthorEmail,
		limiter:     rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	if cfg.GitHub.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.GitHub.RateLimit), cfg.GitHub.RateLimit)
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.GitHub.Enabled {
		token := cfg.ResolveGitHubToken()
		if token == "" {
			return nil, fmt.Errorf("github.enabled is set but no token is configured")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc := oauth2.NewClient(context.Background(), ts)
		client := gogithub.NewClient(tc)

		// Support GitHub Enterprise by overriding the base URL.
		if cfg.GitHub.BaseURL != "" {
			base := strings.TrimSuffix(cfg.GitHub.BaseURL, "/")
			var err error
			client, err = client.WithEnterpriseURLs(base+"/api/v3/", base+"/api/uploads/")
			if err != nil {
				return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
			}
		}
		s.github = client
	}

	return s, nil
}

// DryRun reports whether mutations are being skipped.
func (s *Service) DryRun() bool {
	return s.dryRun
}

// HeadInfo returns the checked-out branch short name and HEAD commit SHA.
// The branch is empty when HEAD is detached.
func (s *Service) HeadInfo(ctx context.Context, repoPath string) (string, string, error) {
	repo, err := s.open(repoPath)
	if err != nil {
		return "", "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("resolving HEAD of %s: %w", repoPath, err)
	}
	branch := ""
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return branch, head.Hash().String(), nil
}

// PrepareBranch creates and checks out branch from the configured base branch
// and returns a restore func that checks the original reference back out. The
// restore func is safe to call after a failed or abandoned handler: it forces
// the checkout so a dirty worktree cannot strand the repository on the job
// branch.
func (s *Service) PrepareBranch(ctx context.Context, repoPath, branch string) (func() error, error) {
	if s.dryRun {
		s.logger.Info().
			Str("repo", repoPath).
			Str("branch", branch).
			Msg("Dry-run: would create and check out branch")
		return func() error { return nil }, nil
	}

	repo, err := s.open(repoPath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree of %s: %w", repoPath, err)
	}

	orig, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD of %s: %w", repoPath, err)
	}

	// Branch off the configured base branch when it exists, otherwise off
	// the current HEAD.
	start := orig.Hash()
	if base, err := repo.Reference(plumbing.NewBranchReferenceName(s.baseBranch), true); err == nil {
		start = base.Hash()
	}

	checkout := &gogit.CheckoutOptions{
		Hash:   start,
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}
	if err := wt.Checkout(checkout); err != nil {
		return nil, models.NewPermanentError(fmt.Errorf("creating branch %s in %s: %w", branch, repoPath, err))
	}

	s.logger.Debug().
		Str("repo", repoPath).
		Str("branch", branch).
		Str("base", s.baseBranch).
		Msg("Checked out job branch")

	restore := func() error {
		opts := &gogit.CheckoutOptions{Force: true}
		if orig.Name().IsBranch() {
			opts.Branch = orig.Name()
		} else {
			opts.Hash = orig.Hash()
		}
		if err := wt.Checkout(opts); err != nil {
			return fmt.Errorf("restoring %s in %s: %w", orig.Name().Short(), repoPath, err)
		}
		return nil
	}
	return restore, nil
}

// ChangedFiles lists worktree paths that differ from HEAD, sorted.
func (s *Service) ChangedFiles(ctx context.Context, repoPath string) ([]string, error) {
	repo, err := s.open(repoPath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree of %s: %w", repoPath, err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status of %s: %w", repoPath, err)
	}

	var changed []string
	for path, st := range status {
		if st.Worktree == gogit.Unmodified && st.Staging == gogit.Unmodified {
			continue
		}
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return changed, nil
}

// CommitAndPush stages everything, commits with message, and pushes the
// branch to the configured remote. Returns the new commit SHA. In dry-run
// mode the current HEAD SHA is returned unchanged.
func (s *Service) CommitAndPush(ctx context.Context, repoPath, branch, message string) (string, error) {
	if s.dryRun {
		_, sha, err := s.HeadInfo(ctx, repoPath)
		if err != nil {
			return "", err
		}
		s.logger.Info().
			Str("repo", repoPath).
			Str("branch", branch).
			Str("message", message).
			Msg("Dry-run: would commit and push")
		return sha, nil
	}

	repo, err := s.open(repoPath)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree of %s: %w", repoPath, err)
	}

	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", models.NewPermanentError(fmt.Errorf("staging changes in %s: %w", repoPath, err))
	}

	sha, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", models.NewPermanentError(fmt.Errorf("committing in %s: %w", repoPath, err))
	}

	pushOpts := &gogit.PushOptions{
		RemoteName: s.remoteName,
		RefSpecs: []gitcfg.RefSpec{
			gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
		},
	}
	if s.pushToken != "" {
		pushOpts.Auth = &githttp.BasicAuth{
			Username: "sweep",
			Password: s.pushToken,
		}
	}
	if err := repo.PushContext(ctx, pushOpts); err != nil {
		// Push failures are usually network or remote hiccups and worth
		// retrying; the commit itself survives locally either way.
		return "", models.NewTransientError(fmt.Errorf("pushing %s to %s: %w", branch, s.remoteName, err))
	}

	s.logger.Info().
		Str("repo", repoPath).
		Str("branch", branch).
		Str("sha", sha.String()).
		Msg("Committed and pushed")
	return sha.String(), nil
}

// CreatePullRequest opens a pull request for branch against the base branch
// and returns its URL. Without a GitHub client the step is skipped and an
// empty URL returned.
func (s *Service) CreatePullRequest(ctx context.Context, repoPath, branch string, pr models.PRContext) (string, error) {
	if s.dryRun {
		s.logger.Info().
			Str("repo", repoPath).
			Str("branch", branch).
			Str("title", pr.Title).
			Msg("Dry-run: would open pull request")
		return "", nil
	}
	if s.github == nil {
		s.logger.Debug().
			Str("repo", repoPath).
			Msg("Pull request creation disabled, skipping")
		return "", nil
	}

	owner, name, err := s.remoteOwnerRepo(repoPath)
	if err != nil {
		return "", err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	created, _, err := s.github.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title:               gogithub.Ptr(pr.Title),
		Body:                gogithub.Ptr(pr.Body),
		Head:                gogithub.Ptr(branch),
		Base:                gogithub.Ptr(s.baseBranch),
		Draft:               gogithub.Ptr(pr.Draft),
		MaintainerCanModify: gogithub.Ptr(true),
	})
	if err != nil {
		return "", models.NewTransientError(fmt.Errorf("creating PR on %s/%s: %w", owner, name, err))
	}

	s.logger.Info().
		Str("repo", repoPath).
		Str("branch", branch).
		Str("url", created.GetHTMLURL()).
		Msg("Opened pull request")
	return created.GetHTMLURL(), nil
}

func (s *Service) open(repoPath string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(repoPath, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, models.NewPermanentError(fmt.Errorf("opening repository %s: %w", repoPath, err))
	}
	return repo, nil
}

// remoteOwnerRepo resolves the owner and repository name from the configured
// remote's first URL.
func (s *Service) remoteOwnerRepo(repoPath string) (string, string, error) {
	repo, err := s.open(repoPath)
	if err != nil {
		return "", "", err
	}
	remote, err := repo.Remote(s.remoteName)
	if err != nil {
		return "", "", fmt.Errorf("resolving remote %s of %s: %w", s.remoteName, repoPath, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("remote %s of %s has no URL", s.remoteName, repoPath)
	}
	owner, name := parseOwnerRepo(urls[0])
	if owner == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from %s", urls[0])
	}
	return owner, name, nil
}

// parseOwnerRepo extracts owner and repo from HTTPS and SSH remote URLs.
func parseOwnerRepo(repoURL string) (owner, repo string) {
	u := strings.TrimSuffix(repoURL, ".git")

	if strings.Contains(u, "://") {
		parts := strings.Split(u, "/")
		if len(parts) >= 2 {
			repo = parts[len(parts)-1]
			owner = parts[len(parts)-2]
			return
		}
	}

	// SSH format: git@github.com:owner/repo
	if idx := strings.Index(u, ":"); idx != -1 {
		path := u[idx+1:]
		parts := strings.SplitN(path, "/", 2)
		if len(parts) == 2 {
			owner = parts[0]
			repo = parts[1]
			return
		}
	}

	return "", u
}
