// Package handler applies normalized webhook events: it mirrors the merge
// request from its provider and drives the approval and merge train services.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/conductor/internal/codeowners"
	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/event"
	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/pipeline"
	"github.com/drewdunne/conductor/internal/provider"
	"github.com/drewdunne/conductor/internal/store"
)

// Providers resolves configured providers by name.
type Providers interface {
	Lookup(name string) (provider.Provider, error)
}

// Approvals is the subset of approval.Service the handler drives.
type Approvals interface {
	SyncApprovals(ctx context.Context, mrID int64, userIDs []int64) error
	ResetApprovals(ctx context.Context, mrID int64) (int, error)
	SnapshotRules(ctx context.Context, mrID int64) error
	SyncCodeOwnerRules(ctx context.Context, mrID int64, file *codeowners.File, changedPaths []string) error
	FreezeOnMerge(ctx context.Context, mrID int64) error
}

// Train is the subset of mergetrain.Service the handler drives.
type Train interface {
	Remove(ctx context.Context, mrID int64, reason string) error
	HandlePipeline(ctx context.Context, p *models.Pipeline) error
	ScheduleRefresh(q store.TrainQueue)
}

// SyncHandler handles events by syncing state from the provider.
type SyncHandler struct {
	cfg       *config.Config
	providers Providers
	store     store.Store
	approvals Approvals
	train     Train
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyncHandler creates a handler.
func NewSyncHandler(cfg *config.Config, providers Providers, st store.Store, approvals Approvals, train Train, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		cfg:       cfg,
		providers: providers,
		store:     st,
		approvals: approvals,
		train:     train,
		logger:    logger.Named("handler"),
		now:       time.Now,
	}
}

// remoteState is everything fetched from the provider for one merge request.
type remoteState struct {
	mr         *provider.MergeRequest
	members    []provider.Account
	committers []provider.Account
	approvers  []provider.Account
	repoCfg    *config.RepoConfig
	owners     *codeowners.File
	changed    []provider.ChangedFile
}

// Handle applies one event. It is an event.Handler.
func (h *SyncHandler) Handle(ctx context.Context, evt *event.Event) error {
	p, err := h.providers.Lookup(evt.Provider)
	if err != nil {
		return err
	}
	project, err := h.ensureProject(ctx, evt)
	if err != nil {
		return err
	}

	if evt.Type == event.TypePipeline {
		return h.handlePipeline(ctx, project, evt)
	}

	log := h.logger.With(
		logfield.ProjectPath(project.FullName()),
		logfield.MergeRequestIID(evt.MRNumber),
		logfield.EventType(string(evt.Type)),
	)

	remote, err := h.fetch(ctx, p, project, evt)
	if err != nil {
		return err
	}

	merged := config.MergeConfigs(h.cfg, remote.repoCfg)
	project.Settings = merged.Settings
	if remote.members != nil {
		if project.MemberIDs, err = h.userIDs(ctx, remote.members); err != nil {
			return err
		}
	}
	if err := h.store.UpdateProject(ctx, project); err != nil {
		return fmt.Errorf("updating project: %w", err)
	}

	mr, pushed, err := h.upsertMergeRequest(ctx, project, remote)
	if err != nil {
		return err
	}
	log = log.With(logfield.MergeRequestID(mr.ID))

	if mr.IsOpen() {
		if err := h.approvals.SnapshotRules(ctx, mr.ID); err != nil {
			return fmt.Errorf("snapshotting rules: %w", err)
		}
		paths := make([]string, 0, len(remote.changed))
		for _, f := range remote.changed {
			paths = append(paths, f.Path)
		}
		if err := h.approvals.SyncCodeOwnerRules(ctx, mr.ID, remote.owners, paths); err != nil {
			return fmt.Errorf("syncing code owner rules: %w", err)
		}
	}

	approverIDs, err := h.userIDs(ctx, remote.approvers)
	if err != nil {
		return err
	}

	switch evt.Type {
	case event.TypeMROpened, event.TypeApproved, event.TypeUnapproved:
		if err := h.approvals.SyncApprovals(ctx, mr.ID, approverIDs); err != nil {
			return err
		}
		h.train.ScheduleRefresh(store.TrainQueue{ProjectID: project.ID, TargetBranch: mr.TargetBranch})

	case event.TypeMRUpdated:
		if pushed && project.Settings.ResetApprovalsOnPush {
			if _, err := h.approvals.ResetApprovals(ctx, mr.ID); err != nil {
				return err
			}
		} else if err := h.approvals.SyncApprovals(ctx, mr.ID, approverIDs); err != nil {
			return err
		}
		if pushed {
			if err := h.removeFromTrain(ctx, mr, mergetrain.ReasonNewCommits); err != nil {
				return err
			}
		}

	case event.TypeMRClosed:
		if err := h.removeFromTrain(ctx, mr, mergetrain.ReasonClosed); err != nil {
			return err
		}

	case event.TypeMRMerged:
		if err := h.approvals.SyncApprovals(ctx, mr.ID, approverIDs); err != nil {
			return err
		}
		if err := h.removeFromTrain(ctx, mr, mergetrain.ReasonClosed); err != nil {
			return err
		}
		if mr.IsMerged() {
			if err := h.approvals.FreezeOnMerge(ctx, mr.ID); err != nil {
				return fmt.Errorf("freezing approvals: %w", err)
			}
		}
	}

	log.Info("merge request synced",
		zap.String("state", string(mr.State)),
		zap.Int("approvals", len(approverIDs)),
		zap.Bool("pushed", pushed),
	)
	return nil
}

func (h *SyncHandler) handlePipeline(ctx context.Context, project *models.Project, evt *event.Event) error {
	if evt.Pipeline == nil {
		return errors.New("pipeline event without pipeline")
	}
	return h.train.HandlePipeline(ctx, &models.Pipeline{
		ID:        evt.Pipeline.ID,
		ProjectID: project.ID,
		Ref:       evt.Pipeline.Ref,
		SHA:       evt.Pipeline.SHA,
		Status:    pipeline.NormalizeStatus(evt.Pipeline.Status),
		UpdatedAt: h.now(),
	})
}

// fetch loads the merge request and its surroundings from the provider in
// parallel. Repository files are read at the target branch.
func (h *SyncHandler) fetch(ctx context.Context, p provider.Provider, project *models.Project, evt *event.Event) (*remoteState, error) {
	owner, name, iid := project.Owner, project.Name, evt.MRNumber
	ref := evt.TargetBranch
	r := &remoteState{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mr, err := p.GetMergeRequest(gctx, owner, name, iid)
		if err != nil {
			return fmt.Errorf("fetching merge request: %w", err)
		}
		r.mr = mr
		return nil
	})
	g.Go(func() error {
		members, err := p.ListMembers(gctx, owner, name)
		if err != nil {
			// Membership stays as last known.
			h.logger.Warn("listing members", logfield.ProjectPath(project.FullName()), zap.Error(err))
			return nil
		}
		r.members = members
		return nil
	})
	g.Go(func() error {
		committers, err := p.ListCommitters(gctx, owner, name, iid)
		if err != nil {
			return fmt.Errorf("listing committers: %w", err)
		}
		r.committers = committers
		return nil
	})
	g.Go(func() error {
		approvers, err := p.ListApprovals(gctx, owner, name, iid)
		if err != nil {
			return fmt.Errorf("listing approvals: %w", err)
		}
		r.approvers = approvers
		return nil
	})
	g.Go(func() error {
		cfg, err := config.LoadRepoConfig(gctx, p, owner, name, ref)
		if err != nil {
			return err
		}
		r.repoCfg = cfg
		return nil
	})
	g.Go(func() error {
		file, err := codeowners.Load(gctx, p, owner, name, ref)
		if err != nil {
			return fmt.Errorf("loading CODEOWNERS: %w", err)
		}
		r.owners = file
		return nil
	})
	g.Go(func() error {
		changed, err := p.GetChangedFiles(gctx, owner, name, iid)
		if err != nil {
			return fmt.Errorf("listing changed files: %w", err)
		}
		r.changed = changed
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureProject returns the stored project for the event's repository,
// creating it with the server defaults on first sight.
func (h *SyncHandler) ensureProject(ctx context.Context, evt *event.Event) (*models.Project, error) {
	project, err := h.store.ProjectByPath(ctx, evt.Provider, evt.RepoOwner, evt.RepoName)
	if err == nil {
		if project.CloneURL == "" && evt.RepoURL != "" {
			project.CloneURL = evt.RepoURL
		}
		return project, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	project = &models.Project{
		Provider: evt.Provider,
		Owner:    evt.RepoOwner,
		Name:     evt.RepoName,
		CloneURL: evt.RepoURL,
		Settings: h.cfg.ApprovalSettings(),
	}
	err = h.store.CreateProject(ctx, project)
	if errors.Is(err, store.ErrConflict) {
		return h.store.ProjectByPath(ctx, evt.Provider, evt.RepoOwner, evt.RepoName)
	}
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	h.logger.Info("project registered", logfield.Provider(evt.Provider), logfield.ProjectPath(project.FullName()))
	return project, nil
}

// upsertMergeRequest stores the provider's view of the merge request. pushed
// reports whether the head moved since the last sync.
func (h *SyncHandler) upsertMergeRequest(ctx context.Context, project *models.Project, remote *remoteState) (*models.MergeRequest, bool, error) {
	var authorID int64
	if remote.mr.Author.Username != "" {
		author, err := h.ensureUser(ctx, remote.mr.Author.Username)
		if err != nil {
			return nil, false, err
		}
		authorID = author.ID
	}
	committerIDs, err := h.userIDs(ctx, remote.committers)
	if err != nil {
		return nil, false, err
	}

	mr, err := h.store.MergeRequestByIID(ctx, project.ID, remote.mr.Number)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return nil, false, err
	}
	if isNew {
		mr = &models.MergeRequest{ProjectID: project.ID, IID: remote.mr.Number}
	}

	pushed := !isNew && mr.HeadSHA != "" && mr.HeadSHA != remote.mr.HeadSHA
	mr.Title = remote.mr.Title
	mr.AuthorID = authorID
	mr.SourceBranch = remote.mr.SourceBranch
	mr.TargetBranch = remote.mr.TargetBranch
	mr.HeadSHA = remote.mr.HeadSHA
	mr.CommitterIDs = committerIDs
	mr.State = mergeRequestState(remote.mr.State)
	if mr.IsMerged() && mr.MergedAt == nil {
		now := h.now()
		mr.MergedAt = &now
	}

	if isNew {
		err = h.store.CreateMergeRequest(ctx, mr)
	} else {
		err = h.store.UpdateMergeRequest(ctx, mr)
	}
	if err != nil {
		return nil, false, fmt.Errorf("saving merge request: %w", err)
	}
	return mr, pushed, nil
}

func mergeRequestState(s string) models.MergeRequestState {
	switch s {
	case "merged":
		return models.MergeRequestMerged
	case "closed":
		return models.MergeRequestClosed
	case "locked":
		return models.MergeRequestLocked
	default:
		return models.MergeRequestOpened
	}
}

func (h *SyncHandler) removeFromTrain(ctx context.Context, mr *models.MergeRequest, reason string) error {
	err := h.train.Remove(ctx, mr.ID, reason)
	if err != nil && !errors.Is(err, mergetrain.ErrNotOnTrain) {
		return fmt.Errorf("removing from merge train: %w", err)
	}
	return nil
}

// userIDs maps provider accounts to local users, creating missing ones.
func (h *SyncHandler) userIDs(ctx context.Context, accounts []provider.Account) ([]int64, error) {
	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		if a.Username == "" {
			continue
		}
		u, err := h.ensureUser(ctx, a.Username)
		if err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (h *SyncHandler) ensureUser(ctx context.Context, username string) (*models.User, error) {
	u, err := h.store.UserByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	u = &models.User{Username: username}
	err = h.store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrConflict) {
		return h.store.UserByUsername(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", username, err)
	}
	return u, nil
}
