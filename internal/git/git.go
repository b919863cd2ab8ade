// Package git performs the build checkouts: shallow clones into build
// workspaces, commit pinning, and fast-forward updates of pre-synced
// paths. Wraps go-git; no git binary is required on the host.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
)

// Client handles repository operations for builds. Safe for concurrent
// use; each build works in its own directory.
type Client struct {
	token  string
	logger *slog.Logger
}

// NewClient builds a client. The token, when set, authenticates clones
// of private repositories.
func NewClient(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{token: token, logger: logger}
}

// CloneURL maps an owner/name slug to its HTTPS clone endpoint.
func CloneURL(repo string) string {
	return "https://github.com/" + repo + ".git"
}

// ShouldCheckout reports whether a commit SHA warrants an explicit
// checkout after cloning. Webhooks sometimes deliver "HEAD" or a
// placeholder; those build the branch tip instead.
func ShouldCheckout(sha string) bool {
	return sha != "" && sha != "HEAD" && len(sha) >= 7
}

// Clone shallow-clones one branch of a repository into dir.
func (c *Client) Clone(ctx context.Context, repoURL, branch, dir string) error {
	opts := &gogit.CloneOptions{
		URL:   repoURL,
		Depth: 1,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if c.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: c.token}
	}

	_, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return classifyError(err, repoURL)
	}

	c.logger.Debug("repository cloned",
		logfields.URL(repoURL), logfields.Branch(branch), logfields.Path(dir))
	return nil
}

// Checkout moves the worktree in dir to the given commit. With shallow
// clones the commit may be absent locally; callers treat failure as
// non-fatal and build the branch tip.
func (c *Client) Checkout(dir, sha string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(sha)}); err != nil {
		return fmt.Errorf("checkout %s: %w", sha, err)
	}
	return nil
}

// PullFFOnly fast-forwards an existing checkout from origin. Already
// up to date is not an error; divergence is.
func (c *Client) PullFFOnly(ctx context.Context, dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	opts := &gogit.PullOptions{RemoteName: "origin"}
	if c.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: c.token}
	}

	err = wt.PullContext(ctx, opts)
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return classifyError(err, dir)
	}
	return nil
}

// classifyError translates go-git failures into categorized errors so
// callers can distinguish credential problems from transient network
// faults.
func classifyError(err error, target string) error {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication required"),
		strings.Contains(l, "authorization failed"),
		strings.Contains(l, "invalid credentials"):
		return cierrors.GitAuthError(target, err)
	case strings.Contains(l, "connection refused"),
		strings.Contains(l, "connection reset"),
		strings.Contains(l, "timeout"),
		strings.Contains(l, "i/o timeout"),
		strings.Contains(l, "no route to host"),
		strings.Contains(l, "temporary failure"):
		return cierrors.GitNetworkError(target, err)
	default:
		return cierrors.GitCloneError(target, err)
	}
}
