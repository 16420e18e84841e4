package mergetrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/metrics"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/pipeline"
	"github.com/drewdunne/conductor/internal/store"
	"github.com/drewdunne/conductor/internal/worker"
)

var (
	ErrTrainsDisabled       = errors.New("merge trains are disabled for this project")
	ErrNotOpen              = errors.New("merge request is not open")
	ErrNotApproved          = errors.New("merge request is not approved")
	ErrAlreadyOnTrain       = errors.New("merge request is already on the train")
	ErrNotOnTrain           = errors.New("merge request is not on the train")
	ErrPipelineNotSucceeded = errors.New("pipeline has not succeeded")
	ErrPredecessorsPending  = errors.New("earlier entries have not merged yet")
	ErrMergeInProgress      = errors.New("another entry is merging")
)

// Removal reasons, reported in logs and metrics.
const (
	ReasonRemoved        = "removed"
	ReasonClosed         = "merge_request_closed"
	ReasonNewCommits     = "new_commits"
	ReasonNotApproved    = "not_approved"
	ReasonMergeConflict  = "merge_conflict"
	ReasonPipelineFailed = "pipeline_failed"
	ReasonMergeFailed    = "merge_failed"
)

// Approvals reports whether a merge request is approved.
type Approvals interface {
	Approved(ctx context.Context, mrID int64) (bool, error)
}

// Builder creates train refs.
type Builder interface {
	BuildTrainRef(ctx context.Context, project *models.Project, mr *models.MergeRequest, base, ref string) (string, error)
}

// Remote performs merges, ref deletion and notes on the provider.
type Remote interface {
	Merge(ctx context.Context, project *models.Project, mr *models.MergeRequest) error
	DeleteRef(ctx context.Context, project *models.Project, ref string) error
	Comment(ctx context.Context, project *models.Project, mr *models.MergeRequest, body string) error
}

// Scheduler runs jobs in the background.
type Scheduler interface {
	Submit(job worker.Job) error
}

// Config wires a Service.
type Config struct {
	Store     store.Store
	Approvals Approvals
	Builder   Builder
	Runner    pipeline.Runner
	Remote    Remote
	Scheduler Scheduler // nil disables background refreshes and cleanup
	Logger    *zap.Logger

	// Enabled is the server-wide switch. Projects opt in through
	// Settings.MergeTrainsEnabled as well.
	Enabled bool

	// MaxConcurrency bounds how many entries per queue have a pipeline at
	// once. Zero means unbounded.
	MaxConcurrency int

	Now func() time.Time
}

// Service manages merge trains.
type Service struct {
	store     store.Store
	approvals Approvals
	builder   Builder
	runner    pipeline.Runner
	remote    Remote
	scheduler Scheduler
	logger    *zap.Logger
	enabled   bool
	maxActive int
	now       func() time.Time

	mu     sync.Mutex
	queues map[store.TrainQueue]*sync.Mutex
}

// NewService creates a merge train service.
func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     cfg.Store,
		approvals: cfg.Approvals,
		builder:   cfg.Builder,
		runner:    cfg.Runner,
		remote:    cfg.Remote,
		scheduler: cfg.Scheduler,
		logger:    logger.Named("mergetrain"),
		enabled:   cfg.Enabled,
		maxActive: cfg.MaxConcurrency,
		now:       now,
		queues:    make(map[store.TrainQueue]*sync.Mutex),
	}
}

func queueOf(e *models.TrainEntry) store.TrainQueue {
	return store.TrainQueue{ProjectID: e.ProjectID, TargetBranch: e.TargetBranch}
}

// lock serializes work on one queue.
func (s *Service) lock(q store.TrainQueue) func() {
	s.mu.Lock()
	m, ok := s.queues[q]
	if !ok {
		m = &sync.Mutex{}
		s.queues[q] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Add puts an open, approved merge request at the end of its target
// branch's train.
func (s *Service) Add(ctx context.Context, mrID, userID int64) (*models.TrainEntry, error) {
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, mr.ProjectID)
	if err != nil {
		return nil, err
	}
	if !s.enabled || !project.Settings.MergeTrainsEnabled {
		return nil, ErrTrainsDisabled
	}
	if !mr.IsOpen() {
		return nil, ErrNotOpen
	}
	approved, err := s.approvals.Approved(ctx, mrID)
	if err != nil {
		return nil, fmt.Errorf("evaluating approvals: %w", err)
	}
	if !approved {
		return nil, ErrNotApproved
	}

	e := &models.TrainEntry{
		ProjectID:      project.ID,
		TargetBranch:   mr.TargetBranch,
		MergeRequestID: mr.ID,
		UserID:         userID,
		Status:         models.TrainIdle,
	}
	if err := s.store.CreateTrainEntry(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyOnTrain
		}
		return nil, fmt.Errorf("creating train entry: %w", err)
	}

	s.logger.Info("added to merge train",
		logfield.EntryID(e.ID),
		logfield.ProjectPath(project.FullName()),
		logfield.MergeRequestIID(mr.IID),
		logfield.Branch(e.TargetBranch),
		logfield.UserID(userID),
	)
	s.ScheduleRefresh(queueOf(e))
	return e, nil
}

// activeEntry returns the merge request's entry if it is still queued.
func (s *Service) activeEntry(ctx context.Context, mrID int64) (*models.TrainEntry, error) {
	e, err := s.store.TrainEntryByMergeRequest(ctx, mrID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotOnTrain
	}
	if err != nil {
		return nil, err
	}
	if !e.Active() {
		return nil, ErrNotOnTrain
	}
	return e, nil
}

// Remove takes a merge request off its train, cancelling its pipeline and
// deleting its train ref. Entries behind it are outdated.
func (s *Service) Remove(ctx context.Context, mrID int64, reason string) error {
	e, err := s.activeEntry(ctx, mrID)
	if err != nil {
		return err
	}
	q := queueOf(e)
	unlock := s.lock(q)
	defer unlock()

	// Reload under the lock; a refresh pass may have moved it on.
	if e, err = s.activeEntry(ctx, mrID); err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, e.ProjectID)
	if err != nil {
		return err
	}
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return err
	}
	if err := s.destroy(ctx, project, mr, e, reason); err != nil {
		return err
	}
	if err := s.outdateFollowers(ctx, q, e.ID); err != nil {
		return err
	}
	s.ScheduleRefresh(q)
	return nil
}

// destroy deletes an entry along with its pipeline and train ref.
func (s *Service) destroy(ctx context.Context, project *models.Project, mr *models.MergeRequest, e *models.TrainEntry, reason string) error {
	log := s.logger.With(logfield.EntryID(e.ID), logfield.MergeRequestIID(mr.IID), logfield.Reason(reason))

	s.cancelPipeline(ctx, project, e)
	if err := s.store.DeleteTrainEntry(ctx, e.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting train entry: %w", err)
	}
	if s.remote != nil {
		if err := s.remote.DeleteRef(ctx, project, models.TrainRef(mr.IID)); err != nil {
			log.Warn("deleting train ref", zap.Error(err))
		}
		if note := removalNote(reason); note != "" {
			if err := s.remote.Comment(ctx, project, mr, note); err != nil {
				log.Warn("commenting on train removal", zap.Error(err))
			}
		}
	}

	metrics.TrainRemoved(reason)
	log.Info("removed from merge train")
	return nil
}

// removalNote is the merge request comment left when the train drops an
// entry on its own. User-driven removals get none.
func removalNote(reason string) string {
	switch reason {
	case ReasonNotApproved:
		return "Removed from the merge train: the merge request is no longer approved."
	case ReasonNewCommits:
		return "Removed from the merge train: new commits were pushed."
	case ReasonMergeConflict:
		return "Removed from the merge train: the changes conflict with the merge requests ahead of it."
	case ReasonPipelineFailed:
		return "Removed from the merge train: the train pipeline failed."
	case ReasonMergeFailed:
		return "Removed from the merge train: the merge was rejected."
	}
	return ""
}

// cancelPipeline stops the entry's pipeline. Finished pipelines and lock
// conflicts are ignored.
func (s *Service) cancelPipeline(ctx context.Context, project *models.Project, e *models.TrainEntry) {
	if e.PipelineID == 0 || s.runner == nil {
		return
	}
	err := s.runner.Cancel(ctx, project, e.PipelineID)
	switch {
	case err == nil:
		metrics.PipelineCanceled()
	case errors.Is(err, pipeline.ErrAlreadyFinished),
		errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, store.ErrStaleObject):
	default:
		s.logger.Warn("cancelling pipeline", logfield.EntryID(e.ID), logfield.PipelineID(e.PipelineID), zap.Error(err))
	}
}

// outdateFollowers marks fresh entries queued after id as stale.
func (s *Service) outdateFollowers(ctx context.Context, q store.TrainQueue, id int64) error {
	entries, err := s.store.ListTrain(ctx, q, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID <= id || e.Status != models.TrainFresh {
			continue
		}
		if err := s.transition(ctx, e, EventOutdatePipeline, nil); err != nil {
			return err
		}
	}
	return nil
}

// transition applies ev to e and persists it. mutate, if set, runs after the
// status change and before the write.
func (s *Service) transition(ctx context.Context, e *models.TrainEntry, ev Event, mutate func(*models.TrainEntry)) error {
	from := e.Status
	next, err := NextState(from, ev)
	if err != nil {
		return err
	}

	updated := *e
	updated.Status = next
	if mutate != nil {
		mutate(&updated)
	}
	if err := s.store.UpdateTrainEntry(ctx, &updated); err != nil {
		return fmt.Errorf("updating train entry %d: %w", e.ID, err)
	}
	*e = updated

	metrics.TrainTransition(from.String(), next.String())
	s.logger.Debug("train entry transition",
		logfield.EntryID(e.ID),
		zap.Stringer("from", from),
		logfield.TrainStatus(next),
		zap.String("event", string(ev)),
	)

	switch next {
	case models.TrainStale:
		s.ScheduleRefresh(queueOf(e))
	case models.TrainMerged:
		s.scheduleCleanup(e)
	}
	return nil
}

// withEntry loads an entry under its queue lock.
func (s *Service) withEntry(ctx context.Context, entryID int64, fn func(*models.TrainEntry) error) (*models.TrainEntry, error) {
	e, err := s.store.GetTrainEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(queueOf(e))
	defer unlock()

	if e, err = s.store.GetTrainEntry(ctx, entryID); err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	return e, nil
}

// RefreshPipeline associates a new pipeline with the entry and marks it
// fresh.
func (s *Service) RefreshPipeline(ctx context.Context, entryID, pipelineID int64) (*models.TrainEntry, error) {
	return s.withEntry(ctx, entryID, func(e *models.TrainEntry) error {
		return s.refreshPipeline(ctx, e, pipelineID)
	})
}

func (s *Service) refreshPipeline(ctx context.Context, e *models.TrainEntry, pipelineID int64) error {
	return s.transition(ctx, e, EventRefreshPipeline, func(e *models.TrainEntry) {
		e.PipelineID = pipelineID
	})
}

// OutdatePipeline invalidates the entry's pipeline result.
func (s *Service) OutdatePipeline(ctx context.Context, entryID int64) (*models.TrainEntry, error) {
	return s.withEntry(ctx, entryID, func(e *models.TrainEntry) error {
		return s.transition(ctx, e, EventOutdatePipeline, nil)
	})
}

// StartMerge moves a fresh entry to merging. Its pipeline must have
// succeeded and every earlier entry must be merged or removed.
func (s *Service) StartMerge(ctx context.Context, entryID int64) (*models.TrainEntry, error) {
	return s.withEntry(ctx, entryID, func(e *models.TrainEntry) error {
		return s.startMerge(ctx, e)
	})
}

func (s *Service) startMerge(ctx context.Context, e *models.TrainEntry) error {
	if _, err := NextState(e.Status, EventStartMerge); err != nil {
		return err
	}

	p, err := s.store.GetPipeline(ctx, e.PipelineID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPipelineNotSucceeded
	}
	if err != nil {
		return err
	}
	if !p.Succeeded() {
		return fmt.Errorf("pipeline %d is %s: %w", p.ID, p.Status, ErrPipelineNotSucceeded)
	}

	entries, err := s.store.ListTrain(ctx, queueOf(e), false)
	if err != nil {
		return err
	}
	for _, other := range entries {
		switch {
		case other.ID < e.ID:
			return fmt.Errorf("entry %d is %s: %w", other.ID, other.Status, ErrPredecessorsPending)
		case other.ID != e.ID && other.Status == models.TrainMerging:
			return ErrMergeInProgress
		}
	}

	return s.transition(ctx, e, EventStartMerge, nil)
}

// FinishMerge records a completed merge. Calling it on a merged entry is
// rejected and leaves MergedAt untouched.
func (s *Service) FinishMerge(ctx context.Context, entryID int64) (*models.TrainEntry, error) {
	return s.withEntry(ctx, entryID, func(e *models.TrainEntry) error {
		return s.finishMerge(ctx, e)
	})
}

func (s *Service) finishMerge(ctx context.Context, e *models.TrainEntry) error {
	now := s.now()
	err := s.transition(ctx, e, EventFinishMerge, func(e *models.TrainEntry) {
		e.MergedAt = &now
		e.Duration = now.Sub(e.CreatedAt)
	})
	if err != nil {
		return err
	}
	metrics.TrainMerged(e.Duration)
	s.logger.Info("merge train entry merged", logfield.EntryID(e.ID), zap.Duration("duration", e.Duration))
	return nil
}

// Position returns the zero-based place of the merge request in its train.
func (s *Service) Position(ctx context.Context, mrID int64) (int, error) {
	e, err := s.activeEntry(ctx, mrID)
	if err != nil {
		return 0, err
	}
	entries, err := s.store.ListTrain(ctx, queueOf(e), false)
	if err != nil {
		return 0, err
	}
	for i, other := range entries {
		if other.ID == e.ID {
			return i, nil
		}
	}
	return 0, ErrNotOnTrain
}

// Entry returns the merge request's active train entry.
func (s *Service) Entry(ctx context.Context, mrID int64) (*models.TrainEntry, error) {
	return s.activeEntry(ctx, mrID)
}

// List returns the active entries of a train in merge order.
func (s *Service) List(ctx context.Context, projectID int64, branch string) ([]*models.TrainEntry, error) {
	return s.store.ListTrain(ctx, store.TrainQueue{ProjectID: projectID, TargetBranch: branch}, false)
}

// ScheduleRefresh queues a refresh pass for q.
func (s *Service) ScheduleRefresh(q store.TrainQueue) {
	if s.scheduler == nil {
		return
	}
	err := s.scheduler.Submit(worker.Job{
		Key:  fmt.Sprintf("train-refresh:%d:%s", q.ProjectID, q.TargetBranch),
		Kind: "train_refresh",
		Run:  func(ctx context.Context) error { return s.Refresh(ctx, q) },
	})
	if err != nil {
		s.logger.Warn("scheduling train refresh", logfield.ProjectID(q.ProjectID), logfield.Branch(q.TargetBranch), zap.Error(err))
	}
}

// scheduleCleanup deletes a merged entry's train ref in the background.
func (s *Service) scheduleCleanup(e *models.TrainEntry) {
	if s.scheduler == nil || s.remote == nil {
		return
	}
	entryID, mrID, projectID := e.ID, e.MergeRequestID, e.ProjectID
	err := s.scheduler.Submit(worker.Job{
		Key:  fmt.Sprintf("train-cleanup:%d", entryID),
		Kind: "train_cleanup",
		Run: func(ctx context.Context) error {
			project, err := s.store.GetProject(ctx, projectID)
			if err != nil {
				return err
			}
			mr, err := s.store.GetMergeRequest(ctx, mrID)
			if err != nil {
				return err
			}
			return s.remote.DeleteRef(ctx, project, models.TrainRef(mr.IID))
		},
	})
	if err != nil {
		s.logger.Warn("scheduling train ref cleanup", logfield.EntryID(entryID), zap.Error(err))
	}
}
