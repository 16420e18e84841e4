// Package store defines persistence for projects, merge requests, approval
// rules, approvals, pipelines and merge train entries.
package store

import (
	"context"
	"errors"

	"github.com/drewdunne/conductor/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("record already exists")

	// ErrStaleObject is returned when an update carries an outdated
	// LockVersion.
	ErrStaleObject = errors.New("stale object")
)

// Users manages users and groups.
type Users interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateGroup(ctx context.Context, g *models.Group) error
	GroupByName(ctx context.Context, name string) (*models.Group, error)
	// GroupMembers returns the distinct member IDs of the given groups.
	GroupMembers(ctx context.Context, groupIDs []int64) ([]int64, error)
}

// Projects manages projects and their settings.
type Projects interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ProjectByPath(ctx context.Context, provider, owner, name string) (*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
}

// MergeRequests manages merge requests.
type MergeRequests interface {
	CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error
	GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error)
	MergeRequestByIID(ctx context.Context, projectID int64, iid int) (*models.MergeRequest, error)
	UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error
}

// ApprovalRules manages project and merge request approval rules.
type ApprovalRules interface {
	// CreateApprovalRule fails with ErrConflict on a duplicate name within the
	// rule's scope or a second any_approver rule in the same scope.
	CreateApprovalRule(ctx context.Context, r *models.ApprovalRule) error
	GetApprovalRule(ctx context.Context, id int64) (*models.ApprovalRule, error)
	UpdateApprovalRule(ctx context.Context, r *models.ApprovalRule) error
	DeleteApprovalRule(ctx context.Context, id int64) error
	ListProjectRules(ctx context.Context, projectID int64) ([]*models.ApprovalRule, error)
	ListMergeRequestRules(ctx context.Context, mrID int64) ([]*models.ApprovalRule, error)
}

// Approvals manages recorded approvals.
type Approvals interface {
	// CreateApproval fails with ErrConflict if the user already approved.
	CreateApproval(ctx context.Context, a *models.Approval) error
	DeleteApproval(ctx context.Context, mrID, userID int64) error
	DeleteApprovals(ctx context.Context, mrID int64) (int, error)
	ListApprovals(ctx context.Context, mrID int64) ([]*models.Approval, error)
}

// Pipelines records pipeline status reported by runners and webhooks.
type Pipelines interface {
	UpsertPipeline(ctx context.Context, p *models.Pipeline) error
	GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error)
}

// TrainQueue identifies one merge train.
type TrainQueue struct {
	ProjectID    int64
	TargetBranch string
}

// TrainEntries manages merge train entries.
type TrainEntries interface {
	// CreateTrainEntry assigns a monotonically increasing ID and fails with
	// ErrConflict if the merge request already has an active entry.
	CreateTrainEntry(ctx context.Context, e *models.TrainEntry) error
	GetTrainEntry(ctx context.Context, id int64) (*models.TrainEntry, error)
	TrainEntryByMergeRequest(ctx context.Context, mrID int64) (*models.TrainEntry, error)
	// UpdateTrainEntry compares LockVersion and increments it on success.
	UpdateTrainEntry(ctx context.Context, e *models.TrainEntry) error
	DeleteTrainEntry(ctx context.Context, id int64) error
	// ListTrain returns entries ordered by ID.
	ListTrain(ctx context.Context, q TrainQueue, includeMerged bool) ([]*models.TrainEntry, error)
	// ListTrainQueues returns every queue with at least one active entry.
	ListTrainQueues(ctx context.Context) ([]TrainQueue, error)
}

// Store is the full persistence surface.
type Store interface {
	Users
	Projects
	MergeRequests
	ApprovalRules
	Approvals
	Pipelines
	TrainEntries

	Close() error
}
