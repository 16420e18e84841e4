package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/codeowners"
	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/metrics"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store"
)

var (
	ErrMergeRequestNotOpen = errors.New("merge request is not open")
	ErrSelfApproval        = errors.New("authors cannot approve their own merge request")
	ErrCommitterApproval   = errors.New("committers cannot approve a merge request they committed to")
	ErrNotEligible         = errors.New("user is not eligible to approve this merge request")
	ErrAlreadyApproved     = errors.New("user already approved this merge request")
	ErrNotApproved         = errors.New("user has not approved this merge request")
	ErrOverridesDisallowed = errors.New("project does not allow approval rule overrides")
	ErrRuleImmutable       = errors.New("approval rule can no longer be changed")
)

// Service records approvals and manages approval rules.
type Service struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an approval service.
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.Named("approval"),
		now:    time.Now,
	}
}

// State loads and evaluates the approval state of a merge request.
func (s *Service) State(ctx context.Context, mrID int64) (*State, error) {
	st, err := s.load(ctx, mrID)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalEvaluated(st.Approved())
	return st, nil
}

// Approved reports whether the merge request satisfies all of its rules.
func (s *Service) Approved(ctx context.Context, mrID int64) (bool, error) {
	st, err := s.State(ctx, mrID)
	if err != nil {
		return false, err
	}
	return st.Approved(), nil
}

// load reads through the context's Cache when there is one.
func (s *Service) load(ctx context.Context, mrID int64) (*State, error) {
	if c := CacheFrom(ctx); c != nil {
		return c.Get(ctx, s.store, mrID)
	}
	return Load(ctx, s.store, mrID)
}

func (s *Service) invalidate(ctx context.Context, mrID int64) {
	if c := CacheFrom(ctx); c != nil {
		c.Invalidate(mrID)
	}
}

// invalidateAll is used after project rule changes, which reach every
// merge request of the project.
func (s *Service) invalidateAll(ctx context.Context) {
	if c := CacheFrom(ctx); c != nil {
		c.Clear()
	}
}

// Approve records userID's approval after checking the filtering policy and
// eligibility.
func (s *Service) Approve(ctx context.Context, mrID, userID int64) (*State, error) {
	st, err := s.load(ctx, mrID)
	if err != nil {
		return nil, err
	}

	mr := st.MergeRequest()
	settings := st.Project().Settings
	switch {
	case !mr.IsOpen():
		return nil, ErrMergeRequestNotOpen
	case !settings.AllowAuthorApproval && userID == mr.AuthorID:
		return nil, ErrSelfApproval
	case !settings.AllowCommitterApproval && slices.Contains(mr.CommitterIDs, userID):
		return nil, ErrCommitterApproval
	case st.ApprovedBy(userID):
		return nil, ErrAlreadyApproved
	case !st.EligibleForApproval(userID):
		return nil, ErrNotEligible
	}

	a := &models.Approval{MergeRequestID: mrID, UserID: userID, CreatedAt: s.now()}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		s.invalidate(ctx, mrID)
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyApproved
		}
		return nil, fmt.Errorf("recording approval: %w", err)
	}
	metrics.ApprovalRecorded()
	s.logger.Info("approval recorded", logfield.MergeRequestID(mrID), logfield.UserID(userID))

	st.recordApproval(a)
	metrics.ApprovalEvaluated(st.Approved())
	return st, nil
}

// Unapprove withdraws userID's approval.
func (s *Service) Unapprove(ctx context.Context, mrID, userID int64) (*State, error) {
	s.invalidate(ctx, mrID)
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return nil, fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	if !mr.IsOpen() {
		return nil, ErrMergeRequestNotOpen
	}

	if err := s.store.DeleteApproval(ctx, mrID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotApproved
		}
		return nil, fmt.Errorf("removing approval: %w", err)
	}
	metrics.ApprovalsRevoked(1)
	s.logger.Info("approval withdrawn", logfield.MergeRequestID(mrID), logfield.UserID(userID))
	s.invalidate(ctx, mrID)

	return s.State(ctx, mrID)
}

// SyncApprovals makes the recorded approvals match userIDs. The provider has
// already authorized these approvals, so eligibility is not rechecked.
func (s *Service) SyncApprovals(ctx context.Context, mrID int64, userIDs []int64) error {
	defer s.invalidate(ctx, mrID)
	existing, err := s.store.ListApprovals(ctx, mrID)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}

	have := make([]int64, 0, len(existing))
	for _, a := range existing {
		have = append(have, a.UserID)
		if !slices.Contains(userIDs, a.UserID) {
			if err := s.store.DeleteApproval(ctx, mrID, a.UserID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("removing approval: %w", err)
			}
			metrics.ApprovalsRevoked(1)
		}
	}
	for _, id := range normalize(userIDs) {
		if slices.Contains(have, id) {
			continue
		}
		err := s.store.CreateApproval(ctx, &models.Approval{MergeRequestID: mrID, UserID: id, CreatedAt: s.now()})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("recording approval: %w", err)
		}
		metrics.ApprovalRecorded()
	}
	return nil
}

// ResetApprovals drops every approval when the project resets approvals on
// push. It returns the number removed.
func (s *Service) ResetApprovals(ctx context.Context, mrID int64) (int, error) {
	defer s.invalidate(ctx, mrID)
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return 0, fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	project, err := s.store.GetProject(ctx, mr.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("loading project %d: %w", mr.ProjectID, err)
	}
	if !project.Settings.ResetApprovalsOnPush || !mr.IsOpen() {
		return 0, nil
	}

	n, err := s.store.DeleteApprovals(ctx, mrID)
	if err != nil {
		return 0, fmt.Errorf("resetting approvals: %w", err)
	}
	if n > 0 {
		metrics.ApprovalsRevoked(n)
		s.logger.Info("approvals reset on push", logfield.MergeRequestID(mrID), zap.Int("count", n))
	}
	return n, nil
}

// CreateRule validates and stores a project or merge request rule.
func (s *Service) CreateRule(ctx context.Context, r *models.ApprovalRule) error {
	defer s.invalidateAll(ctx)
	if !r.IsProjectRule() {
		mr, project, err := s.ruleTarget(ctx, r.MergeRequestID)
		if err != nil {
			return err
		}
		r.ProjectID = mr.ProjectID
		if r.Type.UserDefined() && !project.Settings.AllowOverridesPerMR {
			return ErrOverridesDisallowed
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if err := s.store.CreateApprovalRule(ctx, r); err != nil {
			return fmt.Errorf("creating approval rule: %w", err)
		}
		if r.Type.UserDefined() && !mr.ApprovalRulesOverwritten {
			mr.ApprovalRulesOverwritten = true
			if err := s.store.UpdateMergeRequest(ctx, mr); err != nil {
				return fmt.Errorf("marking rules overwritten: %w", err)
			}
		}
		s.logger.Info("merge request rule created", logfield.MergeRequestID(mr.ID), logfield.RuleID(r.ID))
		return nil
	}

	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := s.store.GetProject(ctx, r.ProjectID); err != nil {
		return fmt.Errorf("loading project %d: %w", r.ProjectID, err)
	}
	if err := s.store.CreateApprovalRule(ctx, r); err != nil {
		return fmt.Errorf("creating approval rule: %w", err)
	}
	s.logger.Info("project rule created", logfield.ProjectID(r.ProjectID), logfield.RuleID(r.ID))
	return nil
}

// UpdateRule replaces the editable fields of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, r *models.ApprovalRule) error {
	defer s.invalidateAll(ctx)
	existing, err := s.store.GetApprovalRule(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("loading approval rule %d: %w", r.ID, err)
	}
	if !existing.IsProjectRule() {
		_, project, err := s.ruleTarget(ctx, existing.MergeRequestID)
		if err != nil {
			return err
		}
		if existing.Type.UserDefined() && !project.Settings.AllowOverridesPerMR {
			return ErrOverridesDisallowed
		}
	}
	if r.Type != existing.Type {
		return fmt.Errorf("%w: rule type cannot change", models.ErrInvalidRule)
	}

	updated := existing.Clone()
	updated.Name = r.Name
	updated.ApprovalsRequired = r.ApprovalsRequired
	updated.UserIDs = r.UserIDs
	updated.GroupIDs = r.GroupIDs
	if err := updated.Validate(); err != nil {
		return err
	}
	if err := s.store.UpdateApprovalRule(ctx, updated); err != nil {
		return fmt.Errorf("updating approval rule: %w", err)
	}
	*r = *updated
	return nil
}

// DeleteRule removes a rule. Snapshots of a deleted project rule stay behind
// as invalid rules until the merge request's rules are synced again.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	defer s.invalidateAll(ctx)
	existing, err := s.store.GetApprovalRule(ctx, id)
	if err != nil {
		return fmt.Errorf("loading approval rule %d: %w", id, err)
	}
	if !existing.IsProjectRule() {
		if _, _, err := s.ruleTarget(ctx, existing.MergeRequestID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteApprovalRule(ctx, id); err != nil {
		return fmt.Errorf("deleting approval rule: %w", err)
	}
	s.logger.Info("approval rule deleted", logfield.RuleID(id), logfield.ProjectID(existing.ProjectID))
	return nil
}

// ruleTarget loads the merge request a rule belongs to and refuses changes
// once it has merged.
func (s *Service) ruleTarget(ctx context.Context, mrID int64) (*models.MergeRequest, *models.Project, error) {
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	if mr.IsMerged() {
		return nil, nil, ErrRuleImmutable
	}
	project, err := s.store.GetProject(ctx, mr.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading project %d: %w", mr.ProjectID, err)
	}
	return mr, project, nil
}

// SnapshotRules copies the project's rules onto an open merge request,
// refreshes existing copies and removes copies whose project rule is gone.
func (s *Service) SnapshotRules(ctx context.Context, mrID int64) error {
	defer s.invalidate(ctx, mrID)
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	if !mr.IsOpen() {
		return ErrMergeRequestNotOpen
	}
	projectRules, err := s.store.ListProjectRules(ctx, mr.ProjectID)
	if err != nil {
		return fmt.Errorf("listing project rules: %w", err)
	}
	mrRules, err := s.store.ListMergeRequestRules(ctx, mrID)
	if err != nil {
		return fmt.Errorf("listing merge request rules: %w", err)
	}

	snapshots := map[int64]*models.ApprovalRule{}
	for _, r := range mrRules {
		if r.SourceRuleID != 0 {
			snapshots[r.SourceRuleID] = r
		}
	}

	for _, pr := range projectRules {
		snap, ok := snapshots[pr.ID]
		delete(snapshots, pr.ID)
		if ok {
			if snap.Name == pr.Name && snap.ApprovalsRequired == pr.ApprovalsRequired &&
				slices.Equal(snap.UserIDs, pr.UserIDs) && slices.Equal(snap.GroupIDs, pr.GroupIDs) {
				continue
			}
			snap.Name = pr.Name
			snap.ApprovalsRequired = pr.ApprovalsRequired
			snap.UserIDs = append([]int64(nil), pr.UserIDs...)
			snap.GroupIDs = append([]int64(nil), pr.GroupIDs...)
			if err := s.store.UpdateApprovalRule(ctx, snap); err != nil {
				return fmt.Errorf("refreshing snapshot of rule %d: %w", pr.ID, err)
			}
			continue
		}

		c := pr.Clone()
		c.ID = 0
		c.MergeRequestID = mrID
		c.SourceRuleID = pr.ID
		c.ApprovedApproverIDs = nil
		if err := s.store.CreateApprovalRule(ctx, c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.logger.Warn("snapshot skipped, merge request already has a rule by that name",
					logfield.MergeRequestID(mrID), logfield.RuleID(pr.ID))
				continue
			}
			return fmt.Errorf("snapshotting rule %d: %w", pr.ID, err)
		}
	}

	for sourceID, orphan := range snapshots {
		if err := s.store.DeleteApprovalRule(ctx, orphan.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("removing orphaned snapshot of rule %d: %w", sourceID, err)
		}
		s.logger.Info("removed orphaned rule snapshot", logfield.MergeRequestID(mrID), logfield.RuleID(sourceID))
	}
	return nil
}

// FreezeOnMerge records, for every rule in scope, who approved at the moment
// the merge request merged. Rules already frozen are left alone.
func (s *Service) FreezeOnMerge(ctx context.Context, mrID int64) error {
	s.invalidate(ctx, mrID)
	defer s.invalidate(ctx, mrID)
	st, err := Load(ctx, s.store, mrID)
	if err != nil {
		return err
	}
	mr := st.MergeRequest()
	if !mr.IsMerged() {
		return fmt.Errorf("freezing approvals of merge request %d: not merged", mrID)
	}

	for _, rule := range st.Rules() {
		src := rule.Source()
		approved := append([]int64{}, rule.ApprovedApprovers()...)

		if src.IsProjectRule() {
			c := src.Clone()
			c.ID = 0
			c.MergeRequestID = mrID
			c.SourceRuleID = src.ID
			c.ApprovedApproverIDs = approved
			if err := s.store.CreateApprovalRule(ctx, c); err != nil {
				if errors.Is(err, store.ErrConflict) {
					s.logger.Warn("cannot freeze rule, name taken on merge request",
						logfield.MergeRequestID(mrID), logfield.RuleID(src.ID))
					continue
				}
				return fmt.Errorf("freezing rule %d: %w", src.ID, err)
			}
			continue
		}
		if src.ApprovedApproverIDs != nil {
			continue
		}
		frozen := src.Clone()
		frozen.ApprovedApproverIDs = approved
		if err := s.store.UpdateApprovalRule(ctx, frozen); err != nil {
			return fmt.Errorf("freezing rule %d: %w", src.ID, err)
		}
	}
	s.logger.Info("approvals frozen", logfield.MergeRequestID(mrID), zap.Int("rules", len(st.Rules())))
	return nil
}

// SyncCodeOwnerRules replaces the merge request's code owner rules with the
// sections of file that own changedPaths.
func (s *Service) SyncCodeOwnerRules(ctx context.Context, mrID int64, file *codeowners.File, changedPaths []string) error {
	defer s.invalidate(ctx, mrID)
	mr, err := s.store.GetMergeRequest(ctx, mrID)
	if err != nil {
		return fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	if mr.IsMerged() {
		return ErrRuleImmutable
	}

	existing, err := s.store.ListMergeRequestRules(ctx, mrID)
	if err != nil {
		return fmt.Errorf("listing merge request rules: %w", err)
	}
	current := map[string]*models.ApprovalRule{}
	for _, r := range existing {
		if r.Type == models.RuleTypeCodeOwner {
			current[r.Name] = r
		}
	}

	var matches []codeowners.Match
	if file != nil {
		matches = file.Match(changedPaths)
	}

	for _, m := range matches {
		users, groups, err := s.resolveOwners(ctx, m.Owners)
		if err != nil {
			return err
		}
		name := m.Pattern
		if m.Section != codeowners.DefaultSection {
			name = m.Section + ": " + m.Pattern
		}

		if r, ok := current[name]; ok {
			delete(current, name)
			r.UserIDs, r.GroupIDs = users, groups
			r.Section, r.Pattern, r.Optional = m.Section, m.Pattern, m.Optional
			if err := s.store.UpdateApprovalRule(ctx, r); err != nil {
				return fmt.Errorf("updating code owner rule %q: %w", name, err)
			}
			continue
		}

		r := &models.ApprovalRule{
			ProjectID:      mr.ProjectID,
			MergeRequestID: mrID,
			Name:           name,
			Type:           models.RuleTypeCodeOwner,
			UserIDs:        users,
			GroupIDs:       groups,
			Section:        m.Section,
			Pattern:        m.Pattern,
			Optional:       m.Optional,
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if err := s.store.CreateApprovalRule(ctx, r); err != nil {
			return fmt.Errorf("creating code owner rule %q: %w", name, err)
		}
	}

	for name, stale := range current {
		if err := s.store.DeleteApprovalRule(ctx, stale.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("removing code owner rule %q: %w", name, err)
		}
	}

	s.logger.Debug("code owner rules synced", logfield.MergeRequestID(mrID), zap.Int("rules", len(matches)))
	return nil
}

// resolveOwners maps "@name" owners to users or groups. Email owners and
// unknown names are skipped.
func (s *Service) resolveOwners(ctx context.Context, owners []string) (users, groups []int64, err error) {
	for _, owner := range owners {
		name, ok := strings.CutPrefix(owner, "@")
		if !ok {
			continue
		}
		u, err := s.store.UserByUsername(ctx, name)
		if err == nil {
			users = append(users, u.ID)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("resolving owner %s: %w", owner, err)
		}
		g, err := s.store.GroupByName(ctx, name)
		if err == nil {
			groups = append(groups, g.ID)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("resolving owner %s: %w", owner, err)
		}
		s.logger.Debug("unknown code owner", zap.String("owner", owner))
	}
	return users, groups, nil
}
