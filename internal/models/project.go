package models

import "path"

// User is a person who can author, approve or merge merge requests.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Group is a named set of users that approval rules can reference.
type Group struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"member_ids"`
}

// Project is a repository on a git provider.
type Project struct {
	ID       int64            `json:"id"`
	Provider string           `json:"provider"` // gitlab, github
	Owner    string           `json:"owner"`
	Name     string           `json:"name"`
	CloneURL string           `json:"clone_url"`
	Settings ApprovalSettings `json:"settings"`

	// MemberIDs are users allowed to approve. nil means membership is unknown.
	MemberIDs []int64 `json:"member_ids,omitempty"`
}

// FullName returns owner/name.
func (p *Project) FullName() string {
	return p.Owner + "/" + p.Name
}

// ApprovalSettings are the per-project switches that shape rule evaluation.
type ApprovalSettings struct {
	AllowAuthorApproval    bool              `json:"allow_author_approval" yaml:"allow_author_approval"`
	AllowCommitterApproval bool              `json:"allow_committer_approval" yaml:"allow_committer_approval"`
	AllowOverridesPerMR    bool              `json:"allow_overrides_per_mr" yaml:"allow_overrides_per_mr"`
	ResetApprovalsOnPush   bool              `json:"reset_approvals_on_push" yaml:"reset_approvals_on_push"`
	MergeTrainsEnabled     bool              `json:"merge_trains_enabled" yaml:"merge_trains_enabled"`
	ProtectedBranches      []ProtectedBranch `json:"protected_branches" yaml:"protected_branches"`
}

// ProtectedBranch marks branches matching Name (a glob) as protected.
type ProtectedBranch struct {
	Name                      string `json:"name" yaml:"name"`
	CodeOwnerApprovalRequired bool   `json:"code_owner_approval_required" yaml:"code_owner_approval_required"`
}

// Matches reports whether branch matches the protected branch pattern.
func (b ProtectedBranch) Matches(branch string) bool {
	if b.Name == branch {
		return true
	}
	ok, err := path.Match(b.Name, branch)
	return err == nil && ok
}

// CodeOwnerApprovalRequired reports whether any protected branch matching
// branch requires code owner approval.
func (s *ApprovalSettings) CodeOwnerApprovalRequired(branch string) bool {
	for _, b := range s.ProtectedBranches {
		if b.CodeOwnerApprovalRequired && b.Matches(branch) {
			return true
		}
	}
	return false
}
