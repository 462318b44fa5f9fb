package git

import (
	stderrors "errors"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

// ClassifyGitError turns a go-git failure into a ClassifiedError so the
// executor can tell an auth problem (fatal) from a flaky remote (retryable).
// Already classified errors pass through.
func ClassifyGitError(err error, op, url string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsClassified(err); ok {
		return err
	}

	b := errors.GitError("git "+op+" failed").
		WithCause(err).
		WithContext("op", op).
		WithContext("url", url)

	switch {
	case stderrors.Is(err, transport.ErrAuthenticationRequired),
		stderrors.Is(err, transport.ErrAuthorizationFailed),
		containsAny(err, "authentication", "not authorized", "invalid credentials"):
		b.WithContext("auth", true).Fatal()
	case stderrors.Is(err, transport.ErrRepositoryNotFound),
		stderrors.Is(err, plumbing.ErrReferenceNotFound),
		stderrors.Is(err, gogit.ErrRepositoryNotExists),
		containsAny(err, "repository not found", "reference not found", "does not exist"):
		b.WithCategory(errors.CategoryNotFound)
	case stderrors.Is(err, transport.ErrEmptyRemoteRepository):
		b.WithCategory(errors.CategoryNotFound).WithContext("empty", true)
	case containsAny(err, "remote hung up", "connection reset", "timeout", "no route to host", "connection refused"):
		b.WithCategory(errors.CategoryNetwork).Retryable()
	case containsAny(err, "unsupported protocol", "protocol not supported"):
		b.WithCategory(errors.CategoryConfig)
	}
	return b.Build()
}

func containsAny(err error, needles ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
