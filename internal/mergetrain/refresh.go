package mergetrain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/pipeline"
	"github.com/drewdunne/conductor/internal/repocache"
	"github.com/drewdunne/conductor/internal/store"
)

// Refresh walks the queue in merge order. It drops entries that can no
// longer merge, builds refs and pipelines for idle and stale entries, and
// merges the head entry once its pipeline passes.
func (s *Service) Refresh(ctx context.Context, q store.TrainQueue) error {
	unlock := s.lock(q)
	defer unlock()
	// One approval state per merge request for the whole pass.
	ctx = approval.WithCache(ctx)

	project, err := s.store.GetProject(ctx, q.ProjectID)
	if err != nil {
		return err
	}
	entries, err := s.store.ListTrain(ctx, q, false)
	if err != nil {
		return err
	}

	log := s.logger.With(logfield.ProjectPath(project.FullName()), logfield.Branch(q.TargetBranch))
	base := q.TargetBranch
	// rebuild is set once an earlier ref changed, so every later fresh
	// entry was tested against the wrong base.
	rebuild := false
	slot := 0

	for _, e := range entries {
		if s.maxActive > 0 && slot >= s.maxActive {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		mr, err := s.store.GetMergeRequest(ctx, e.MergeRequestID)
		if err != nil {
			return err
		}
		if e.Status == models.TrainMerging {
			// A merge was interrupted; leave it for the merged webhook.
			base = models.TrainRef(mr.IID)
			slot++
			continue
		}
		reason, err := s.ineligible(ctx, mr)
		if err != nil {
			return err
		}
		if reason != "" {
			if err := s.destroy(ctx, project, mr, e, reason); err != nil {
				return err
			}
			rebuild = true
			continue
		}

		ref := models.TrainRef(mr.IID)
		if e.Status == models.TrainFresh && rebuild {
			if err := s.transition(ctx, e, EventOutdatePipeline, nil); err != nil {
				return err
			}
		}

		if e.Status == models.TrainFresh {
			dropped, err := s.poll(ctx, project, mr, e, slot == 0)
			if err != nil {
				return err
			}
			if dropped {
				rebuild = true
				continue
			}
		}

		if e.Status == models.TrainIdle || e.Status == models.TrainStale {
			built, err := s.build(ctx, project, mr, e, base, ref)
			if err != nil {
				return err
			}
			rebuild = true
			if !built {
				continue
			}
		}

		if e.Status != models.TrainMerged {
			base = ref
			slot++
		}
	}

	log.Debug("merge train refreshed", zap.Int("entries", len(entries)))
	return nil
}

// ineligible returns why the merge request can no longer ride the train, or
// "" if it still can.
func (s *Service) ineligible(ctx context.Context, mr *models.MergeRequest) (string, error) {
	if !mr.IsOpen() {
		return ReasonClosed, nil
	}
	approved, err := s.approvals.Approved(ctx, mr.ID)
	if err != nil {
		return "", fmt.Errorf("evaluating approvals: %w", err)
	}
	if !approved {
		return ReasonNotApproved, nil
	}
	return "", nil
}

// build creates the train ref on base and starts a pipeline for it. It
// returns false if the entry was dropped.
func (s *Service) build(ctx context.Context, project *models.Project, mr *models.MergeRequest, e *models.TrainEntry, base, ref string) (bool, error) {
	s.cancelPipeline(ctx, project, e)

	sha, err := s.builder.BuildTrainRef(ctx, project, mr, base, ref)
	if errors.Is(err, repocache.ErrMergeConflict) {
		return false, s.destroy(ctx, project, mr, e, ReasonMergeConflict)
	}
	if err != nil {
		return false, fmt.Errorf("building %s: %w", ref, err)
	}

	p, err := s.runner.Create(ctx, pipeline.Request{Project: project, Ref: ref, SHA: sha})
	if err != nil {
		return false, fmt.Errorf("creating pipeline for %s: %w", ref, err)
	}
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return false, err
	}
	if err := s.refreshPipeline(ctx, e, p.ID); err != nil {
		return false, err
	}
	s.logger.Info("train pipeline started",
		logfield.EntryID(e.ID),
		logfield.Ref(ref),
		zap.String("base", base),
		logfield.PipelineID(p.ID),
	)
	return true, nil
}

// poll checks a fresh entry's pipeline. A failed pipeline drops the entry; a
// passing pipeline at the head of the train merges it. A pipeline the runner
// no longer knows outdates the entry so it is rebuilt.
func (s *Service) poll(ctx context.Context, project *models.Project, mr *models.MergeRequest, e *models.TrainEntry, head bool) (bool, error) {
	p, err := s.runner.Status(ctx, project, e.PipelineID)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, s.transition(ctx, e, EventOutdatePipeline, nil)
	}
	if err != nil {
		return false, fmt.Errorf("pipeline %d status: %w", e.PipelineID, err)
	}
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return false, err
	}

	switch {
	case p.Status.Finished() && !p.Succeeded():
		return true, s.destroy(ctx, project, mr, e, ReasonPipelineFailed)
	case p.Succeeded() && head:
		return s.merge(ctx, project, mr, e)
	}
	return false, nil
}

// merge lands the head entry on the target branch.
func (s *Service) merge(ctx context.Context, project *models.Project, mr *models.MergeRequest, e *models.TrainEntry) (bool, error) {
	if err := s.startMerge(ctx, e); err != nil {
		return false, err
	}
	if err := s.remote.Merge(ctx, project, mr); err != nil {
		s.logger.Warn("merging train entry", logfield.EntryID(e.ID), logfield.MergeRequestIID(mr.IID), zap.Error(err))
		return true, s.destroy(ctx, project, mr, e, ReasonMergeFailed)
	}
	if err := s.finishMerge(ctx, e); err != nil {
		return false, err
	}

	now := s.now()
	mr.State = models.MergeRequestMerged
	mr.MergedAt = &now
	if err := s.store.UpdateMergeRequest(ctx, mr); err != nil {
		return false, fmt.Errorf("marking merge request merged: %w", err)
	}
	return false, nil
}

// HandlePipeline records a pipeline update and refreshes the train the
// pipeline belongs to.
func (s *Service) HandlePipeline(ctx context.Context, p *models.Pipeline) error {
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return err
	}
	iid, ok := parseTrainRef(p.Ref)
	if !ok {
		return nil
	}
	mr, err := s.store.MergeRequestByIID(ctx, p.ProjectID, iid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err := s.activeEntry(ctx, mr.ID)
	if errors.Is(err, ErrNotOnTrain) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.PipelineID != p.ID {
		return nil
	}
	s.ScheduleRefresh(queueOf(e))
	return nil
}

func parseTrainRef(ref string) (int, bool) {
	rest, ok := strings.CutPrefix(ref, "merge-train/")
	if !ok {
		return 0, false
	}
	iid, err := strconv.Atoi(rest)
	return iid, err == nil
}

// RefreshAll refreshes every queue with active entries.
func (s *Service) RefreshAll(ctx context.Context) error {
	queues, err := s.store.ListTrainQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := s.Refresh(ctx, q); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("refreshing merge train",
				logfield.ProjectID(q.ProjectID),
				logfield.Branch(q.TargetBranch),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run refreshes all trains every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("refreshing merge trains", zap.Error(err))
			}
		}
	}
}
