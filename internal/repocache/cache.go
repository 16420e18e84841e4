// Package repocache keeps bare clones of project repositories and builds
// merge train refs in throwaway worktrees.
package repocache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/drewdunne/conductor/internal/models"
)

// ErrMergeConflict is returned when a source branch does not merge cleanly
// onto its base.
var ErrMergeConflict = errors.New("merge conflict")

// Credentials turns a project's clone URL into one git can authenticate with.
type Credentials interface {
	CloneURL(project *models.Project) (string, error)
}

// Option configures a Cache.
type Option func(*Cache)

// WithCredentials sets how clone URLs are authenticated.
func WithCredentials(c Credentials) Option {
	return func(cache *Cache) { cache.creds = c }
}

// WithCommitter sets the identity used for train merge commits.
func WithCommitter(name, email string) Option {
	return func(cache *Cache) {
		cache.committerName = name
		cache.committerEmail = email
	}
}

// Cache manages bare git repo clones.
type Cache struct {
	baseDir        string
	creds          Credentials
	committerName  string
	committerEmail string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new repo cache at the given directory.
func New(baseDir string, opts ...Option) *Cache {
	c := &Cache{
		baseDir:        baseDir,
		committerName:  "Conductor",
		committerEmail: "conductor@localhost",
		locks:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoPath returns the path where a repo would be cached.
func (c *Cache) RepoPath(owner, repo string) string {
	return filepath.Join(c.baseDir, owner, repo+".git")
}

func (c *Cache) lock(project *models.Project) func() {
	key := project.FullName()
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsureRepo ensures a bare clone of the project exists and its branches are
// up to date. Returns the path to the bare repo.
func (c *Cache) EnsureRepo(ctx context.Context, project *models.Project) (string, error) {
	unlock := c.lock(project)
	defer unlock()
	return c.ensureRepo(ctx, project)
}

func (c *Cache) ensureRepo(ctx context.Context, project *models.Project) (string, error) {
	repoPath := c.RepoPath(project.Owner, project.Name)

	url := project.CloneURL
	if c.creds != nil {
		authed, err := c.creds.CloneURL(project)
		if err != nil {
			return "", fmt.Errorf("authenticating clone url: %w", err)
		}
		url = authed
	}

	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(repoPath), 0755); err != nil {
			return "", fmt.Errorf("creating cache directory: %w", err)
		}
		if _, err := git(ctx, "", "clone", "--bare", url, repoPath); err != nil {
			return "", fmt.Errorf("cloning repo: %w", err)
		}
		if _, err := git(ctx, repoPath, "config", "remote.origin.fetch", "+refs/heads/*:refs/heads/*"); err != nil {
			return "", err
		}
		return repoPath, nil
	}

	if _, err := git(ctx, repoPath, "remote", "set-url", "origin", url); err != nil {
		return "", err
	}
	if _, err := git(ctx, repoPath, "fetch", "--prune", "origin"); err != nil {
		return "", fmt.Errorf("fetching repo: %w", err)
	}
	return repoPath, nil
}

func (c *Cache) worktreePath(project *models.Project, id string) string {
	return filepath.Join(c.baseDir, "worktrees", project.Owner, project.Name, id)
}

// CreateWorktree checks ref out into a detached worktree named id and returns
// its path.
func (c *Cache) CreateWorktree(ctx context.Context, project *models.Project, ref, id string) (string, error) {
	unlock := c.lock(project)
	defer unlock()

	repoPath, err := c.ensureRepo(ctx, project)
	if err != nil {
		return "", err
	}
	return c.addWorktree(ctx, repoPath, c.worktreePath(project, id), ref)
}

func (c *Cache) addWorktree(ctx context.Context, repoPath, path, ref string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating worktree directory: %w", err)
	}
	if _, err := git(ctx, repoPath, "worktree", "add", "--force", "--detach", path, "refs/heads/"+ref); err != nil {
		return "", fmt.Errorf("creating worktree: %w", err)
	}
	return path, nil
}

// RemoveWorktree deletes a worktree created by CreateWorktree.
func (c *Cache) RemoveWorktree(ctx context.Context, project *models.Project, path string) error {
	unlock := c.lock(project)
	defer unlock()
	return c.removeWorktree(ctx, c.RepoPath(project.Owner, project.Name), path)
}

func (c *Cache) removeWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := git(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		// The directory may already be gone; prune the bookkeeping instead.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("removing worktree: %w", rmErr)
		}
		if _, err := git(ctx, repoPath, "worktree", "prune"); err != nil {
			return err
		}
	}
	return nil
}

// BuildTrainRef merges mr's source branch onto base and force-pushes the
// result as ref. It returns the SHA of the merge commit.
func (c *Cache) BuildTrainRef(ctx context.Context, project *models.Project, mr *models.MergeRequest, base, ref string) (string, error) {
	unlock := c.lock(project)
	defer unlock()

	repoPath, err := c.ensureRepo(ctx, project)
	if err != nil {
		return "", err
	}

	if _, err := git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+mr.SourceBranch); err != nil {
		return "", fmt.Errorf("source branch %s: %w", mr.SourceBranch, err)
	}

	path := c.worktreePath(project, strings.ReplaceAll(ref, "/", "-"))
	_ = c.removeWorktree(ctx, repoPath, path)
	if _, err := c.addWorktree(ctx, repoPath, path, base); err != nil {
		return "", err
	}
	defer c.removeWorktree(context.WithoutCancel(ctx), repoPath, path)

	msg := fmt.Sprintf("Merge branch '%s' into '%s'\n\nSee merge request !%d", mr.SourceBranch, mr.TargetBranch, mr.IID)
	_, err = git(ctx, path,
		"-c", "user.name="+c.committerName,
		"-c", "user.email="+c.committerEmail,
		"merge", "--no-ff", "-m", msg, "refs/heads/"+mr.SourceBranch)
	if err != nil {
		conflicted, _ := git(ctx, path, "diff", "--name-only", "--diff-filter=U")
		_, _ = git(ctx, path, "merge", "--abort")
		if conflicted != "" {
			return "", fmt.Errorf("merging %s onto %s: %w in %s", mr.SourceBranch, base, ErrMergeConflict,
				strings.ReplaceAll(conflicted, "\n", ", "))
		}
		return "", fmt.Errorf("merging %s onto %s: %w", mr.SourceBranch, base, err)
	}

	sha, err := git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := git(ctx, path, "push", "--force", "origin", "HEAD:refs/heads/"+ref); err != nil {
		return "", fmt.Errorf("pushing %s: %w", ref, err)
	}
	if _, err := git(ctx, repoPath, "update-ref", "refs/heads/"+ref, sha); err != nil {
		return "", err
	}
	return sha, nil
}
