package provider

import "time"

// MergeRequest represents a merge request/pull request.
type MergeRequest struct {
	ID           int
	Number       int // PR number (GitHub) or MR IID (GitLab)
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	HeadSHA      string
	State        string // opened, closed, merged, locked
	Author       Account
	URL          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account is a user on the provider.
type Account struct {
	ID       int64
	Username string
}

// ChangedFile represents a file changed in a merge request.
type ChangedFile struct {
	Path      string
	Status    string // added, modified, deleted, renamed
	Additions int
	Deletions int
}

// Repository represents a git repository.
type Repository struct {
	ID            int
	Name          string
	FullName      string // owner/repo
	CloneURL      string
	SSHURL        string
	DefaultBranch string
}

// Pipeline is a CI pipeline run on the provider.
type Pipeline struct {
	ID     int64
	Ref    string
	SHA    string
	Status string // created, pending, running, success, failed, canceled, skipped
}
