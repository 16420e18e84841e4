package models

import "time"

// MergeRequestState is the lifecycle state of a merge request.
type MergeRequestState string

const (
	MergeRequestOpened MergeRequestState = "opened"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
	MergeRequestLocked MergeRequestState = "locked"
)

// MergeRequest is a request to merge SourceBranch into TargetBranch.
type MergeRequest struct {
	ID           int64             `json:"id"`
	ProjectID    int64             `json:"project_id"`
	IID          int               `json:"iid"` // MR IID (GitLab) or PR number (GitHub)
	Title        string            `json:"title"`
	AuthorID     int64             `json:"author_id"`
	SourceBranch string            `json:"source_branch"`
	TargetBranch string            `json:"target_branch"`
	HeadSHA      string            `json:"head_sha"`
	State        MergeRequestState `json:"state"`
	CommitterIDs []int64           `json:"committer_ids"`

	// ApprovalRulesOverwritten is set once the MR defines its own
	// user-defined rules instead of inheriting the project's.
	ApprovalRulesOverwritten bool `json:"approval_rules_overwritten"`

	MergedAt *time.Time `json:"merged_at,omitempty"`
}

// IsOpen reports whether the merge request can still change.
func (mr *MergeRequest) IsOpen() bool {
	return mr.State == MergeRequestOpened
}

// IsMerged reports whether the merge request has been merged.
func (mr *MergeRequest) IsMerged() bool {
	return mr.State == MergeRequestMerged
}

// Approval is one user's approval of one merge request.
type Approval struct {
	ID             int64     `json:"id"`
	MergeRequestID int64     `json:"merge_request_id"`
	UserID         int64     `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}
