package scm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

// GitConfig describes a repository reachable over the git protocol.
type GitConfig struct {
	URL    string
	Branch string
	// Token authenticates HTTPS remotes using the x-access-token convention.
	Token string
}

// GitRetriever implements Retriever with a shallow, single-branch clone held in memory.
// The clone happens on the first GetFile and is reused for the life of the retriever.
type GitRetriever struct {
	config GitConfig
	auth   transport.AuthMethod

	mu sync.Mutex
	fs billy.Filesystem
}

// NewGitRetriever creates a retriever for config.
func NewGitRetriever(config GitConfig) (*GitRetriever, error) {
	if config.URL == "" {
		return nil, ErrNotConfigured.Wrap(errors.New("git remote URL is required"))
	}
	if config.Branch == "" {
		config.Branch = "main"
	}

	r := &GitRetriever{config: config}
	if config.Token != "" {
		r.auth = &http.BasicAuth{
			Username: "x-access-token",
			Password: config.Token,
		}
	}
	return r, nil
}

func (r *GitRetriever) checkout(ctx context.Context) (billy.Filesystem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fs != nil {
		return r.fs, nil
	}

	fs := memfs.New()
	_, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           r.config.URL,
		Auth:          r.auth,
		ReferenceName: plumbing.NewBranchReferenceName(r.config.Branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return nil, mapGitError(err)
	}

	r.fs = fs
	return fs, nil
}

// GetFile reads path from the cloned branch.
func (r *GitRetriever) GetFile(ctx context.Context, path string) (string, error) {
	fs, err := r.checkout(ctx)
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", r.config.URL, err)
	}

	f, err := fs.Open(strings.TrimPrefix(path, "/"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound.Wrap(fmt.Errorf("%s at %s", path, r.config.Branch))
		}
		return "", err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(content), nil
}

// TestConnection lists the remote's references and checks the branch exists.
func (r *GitRetriever) TestConnection(ctx context.Context) triage.ConnectionResult {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{r.config.URL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: r.auth})
	if err != nil {
		err = mapGitError(err)
		switch {
		case errors.Is(err, ErrAuthFailed):
			return triage.ConnectionFailed(triage.ErrorTypeAuthentication, "Authentication failed: the git remote rejected the credentials.", err)
		case errors.Is(err, ErrNotFound):
			return triage.ConnectionFailed(triage.ErrorTypeNotFound,
				fmt.Sprintf("Repository not found: '%s' does not exist or is not accessible.", r.config.URL), err)
		}
		return networkFailure(err, "the git remote")
	}

	branch := plumbing.NewBranchReferenceName(r.config.Branch)
	for _, ref := range refs {
		if ref.Name() == branch {
			return triage.ConnectionOK(fmt.Sprintf("Connected to %s (branch %s)", r.config.URL, r.config.Branch))
		}
	}
	return triage.ConnectionFailed(triage.ErrorTypeNotFound,
		fmt.Sprintf("Branch not found: Branch '%s' does not exist in '%s'.", r.config.Branch, r.config.URL), nil)
}

func mapGitError(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return ErrAuthFailed.Wrap(err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return ErrNotFound.Wrap(err)
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return ErrNotFound.Wrap(err)
	}
	return err
}
