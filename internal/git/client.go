package git

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
)

// Client performs checkouts.
type Client struct {
	auth   Auth
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(auth Auth, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{auth: auth, logger: logger}
}

// Checkout makes dir a working copy of url at revision and returns the
// checked out commit. An existing repository in dir is fetched instead of
// re-cloned. An empty revision means the remote's default branch.
func (c *Client) Checkout(ctx context.Context, dir, url, revision string) (string, error) {
	auth, err := c.auth.method(url)
	if err != nil {
		return "", err
	}

	var repo *git.Repository
	if _, statErr := os.Stat(filepath.Join(dir, ".git")); statErr == nil {
		repo, err = git.PlainOpen(dir)
		if err != nil {
			return "", ClassifyGitError(err, "open", url)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Auth: auth, Tags: git.AllTags, Force: true})
		if err != nil && !stderrors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", ClassifyGitError(err, "fetch", url)
		}
	} else {
		c.logger.Debug("Cloning repository", logfields.URL(url), logfields.Path(dir))
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url, Auth: auth})
		if err != nil {
			return "", ClassifyGitError(err, "clone", url)
		}
	}

	hash, err := resolve(repo, revision)
	if err != nil {
		return "", ClassifyGitError(err, "resolve", url)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", ClassifyGitError(err, "worktree", url)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", ClassifyGitError(err, "checkout", url)
	}

	c.logger.Info("Source checked out",
		logfields.URL(url),
		slog.String("revision", revision),
		slog.String("commit", hash.String()[:8]),
		logfields.Path(dir))
	return hash.String(), nil
}

// resolve tries revision as a remote branch, then as given (tag, commit).
func resolve(repo *git.Repository, revision string) (plumbing.Hash, error) {
	if revision == "" {
		for _, name := range []plumbing.ReferenceName{
			plumbing.NewRemoteReferenceName("origin", "HEAD"),
			plumbing.NewRemoteReferenceName("origin", "main"),
			plumbing.NewRemoteReferenceName("origin", "master"),
		} {
			if ref, err := repo.Reference(name, true); err == nil {
				return ref.Hash(), nil
			}
		}
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	candidates := []string{"refs/remotes/origin/" + revision, revision}
	var lastErr error
	for _, cand := range candidates {
		h, err := repo.ResolveRevision(plumbing.Revision(cand))
		if err == nil {
			return *h, nil
		}
		lastErr = err
	}
	return plumbing.ZeroHash, lastErr
}
