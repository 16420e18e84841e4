package provider

import (
	"context"
	"errors"
)

// ErrFileNotFound is returned by ReadFile when the path does not exist at ref.
var ErrFileNotFound = errors.New("file not found")

// Provider defines the interface for git provider operations.
type Provider interface {
	// Name returns the provider name (github, gitlab).
	Name() string

	// GetRepository fetches repository metadata.
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)

	// GetMergeRequest fetches a merge request by number.
	GetMergeRequest(ctx context.Context, owner, repo string, number int) (*MergeRequest, error)

	// GetChangedFiles returns files changed in a merge request.
	GetChangedFiles(ctx context.Context, owner, repo string, number int) ([]ChangedFile, error)

	// ListApprovals returns the users currently approving a merge request.
	ListApprovals(ctx context.Context, owner, repo string, number int) ([]Account, error)

	// ListCommitters returns the distinct authors of a merge request's commits
	// that map to provider accounts.
	ListCommitters(ctx context.Context, owner, repo string, number int) ([]Account, error)

	// ListMembers returns the users with access to the repository.
	ListMembers(ctx context.Context, owner, repo string) ([]Account, error)

	// ReadFile returns the content of path at ref.
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)

	// PostComment posts a comment on a merge request.
	PostComment(ctx context.Context, owner, repo string, number int, body string) error

	// AcceptMergeRequest merges a merge request whose head is sha.
	AcceptMergeRequest(ctx context.Context, owner, repo string, number int, sha string) error

	// DeleteBranch removes a branch.
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// PipelineAPI is implemented by providers that run CI pipelines.
type PipelineAPI interface {
	CreatePipeline(ctx context.Context, owner, repo, ref string) (*Pipeline, error)
	GetPipeline(ctx context.Context, owner, repo string, id int64) (*Pipeline, error)
	CancelPipeline(ctx context.Context, owner, repo string, id int64) (*Pipeline, error)
}
