package approval

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/drewdunne/conductor/internal/models"
)

// Repository is the read side of the store that evaluation needs.
type Repository interface {
	GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error)
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	ListProjectRules(ctx context.Context, projectID int64) ([]*models.ApprovalRule, error)
	ListMergeRequestRules(ctx context.Context, mrID int64) ([]*models.ApprovalRule, error)
	ListApprovals(ctx context.Context, mrID int64) ([]*models.Approval, error)
	GroupMembers(ctx context.Context, groupIDs []int64) ([]int64, error)
}

// State aggregates the wrapped rules of one merge request.
type State struct {
	mr        *models.MergeRequest
	project   *models.Project
	approvals []*models.Approval
	subj      *subject
	rules     []Rule

	approved *bool
	left     *int
}

// Load reads a merge request, its project, rules and approvals and wraps
// the rules in scope.
func Load(ctx context.Context, repo Repository, mrID int64) (*State, error) {
	mr, err := repo.GetMergeRequest(ctx, mrID)
	if err != nil {
		return nil, fmt.Errorf("loading merge request %d: %w", mrID, err)
	}
	project, err := repo.GetProject(ctx, mr.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %d: %w", mr.ProjectID, err)
	}
	projectRules, err := repo.ListProjectRules(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("listing project rules: %w", err)
	}
	mrRules, err := repo.ListMergeRequestRules(ctx, mr.ID)
	if err != nil {
		return nil, fmt.Errorf("listing merge request rules: %w", err)
	}
	approvals, err := repo.ListApprovals(ctx, mr.ID)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}

	s := &State{
		mr:        mr,
		project:   project,
		approvals: approvals,
	}
	approvedBy := make([]int64, 0, len(approvals))
	for _, a := range approvals {
		approvedBy = append(approvedBy, a.UserID)
	}
	s.subj = &subject{mr: mr, project: project, approvedBy: approvedBy}

	for _, sel := range selectRules(mr, project, projectRules, mrRules) {
		candidates := append([]int64{}, sel.rule.UserIDs...)
		if len(sel.rule.GroupIDs) > 0 {
			members, err := repo.GroupMembers(ctx, sel.rule.GroupIDs)
			if err != nil {
				return nil, fmt.Errorf("resolving groups of rule %d: %w", sel.rule.ID, err)
			}
			candidates = append(candidates, members...)
		}
		s.rules = append(s.rules, wrap(baseRule{
			rule:       sel.rule,
			subj:       s.subj,
			candidates: candidates,
			frozen:     sel.frozen,
			invalid:    sel.invalid,
		}))
	}
	return s, nil
}

type selected struct {
	rule    *models.ApprovalRule
	frozen  []int64
	invalid bool
}

// selectRules decides which rule records are in scope for mr.
//
// With per-MR overrides allowed and the merge request carrying its own
// user-defined rules, the MR rules replace the project rules. Otherwise
// project rules apply, picking up the MR snapshot when one exists. Snapshots
// that lost their project rule are kept as invalid so the merge request
// cannot pass on a deleted rule.
// Code owner and report approver MR rules are always in scope.
func selectRules(mr *models.MergeRequest, project *models.Project, projectRules, mrRules []*models.ApprovalRule) []selected {
	var out []selected

	overridden := false
	if project.Settings.AllowOverridesPerMR && mr.ApprovalRulesOverwritten {
		for _, r := range mrRules {
			if r.Type.UserDefined() {
				overridden = true
				break
			}
		}
	}

	snapshots := make(map[int64]*models.ApprovalRule)
	for _, r := range mrRules {
		if r.SourceRuleID != 0 {
			snapshots[r.SourceRuleID] = r
		}
	}

	if overridden {
		for _, r := range mrRules {
			if r.Type.UserDefined() {
				out = append(out, selected{rule: r, frozen: r.ApprovedApproverIDs})
			}
		}
	} else {
		known := make(map[int64]bool, len(projectRules))
		for _, pr := range projectRules {
			known[pr.ID] = true
			snap, ok := snapshots[pr.ID]
			switch {
			case pr.Type == models.RuleTypeReportApprover && ok:
				// Added below with the other report approver MR rules.
			case ok && mr.IsMerged():
				out = append(out, selected{rule: snap, frozen: snap.ApprovedApproverIDs})
			case ok:
				out = append(out, selected{rule: pr, frozen: snap.ApprovedApproverIDs})
			default:
				out = append(out, selected{rule: pr})
			}
		}
		for _, r := range mrRules {
			if r.Type.UserDefined() && r.SourceRuleID != 0 && !known[r.SourceRuleID] {
				out = append(out, selected{rule: r, frozen: r.ApprovedApproverIDs, invalid: true})
			}
		}
	}

	for _, r := range mrRules {
		if r.Type == models.RuleTypeCodeOwner || r.Type == models.RuleTypeReportApprover {
			out = append(out, selected{rule: r, frozen: r.ApprovedApproverIDs})
		}
	}
	return out
}

// MergeRequest returns the evaluated merge request.
func (s *State) MergeRequest() *models.MergeRequest { return s.mr }

// Project returns the merge request's project.
func (s *State) Project() *models.Project { return s.project }

// Rules returns the wrapped rules in scope.
func (s *State) Rules() []Rule { return s.rules }

// Approvals returns the recorded approvals.
func (s *State) Approvals() []*models.Approval { return s.approvals }

// Approved reports whether every rule in scope is approved.
func (s *State) Approved() bool {
	if s.approved == nil {
		ok := true
		for _, r := range s.rules {
			if !r.Approved() {
				ok = false
				break
			}
		}
		s.approved = &ok
	}
	return *s.approved
}

// ApprovalsRequired sums the required approvals of every rule.
func (s *State) ApprovalsRequired() int {
	total := 0
	for _, r := range s.rules {
		total += r.ApprovalsRequired()
	}
	return total
}

// ApprovalsLeft sums the approvals still missing on unsatisfied rules.
func (s *State) ApprovalsLeft() int {
	if s.left == nil {
		total := 0
		for _, r := range s.rules {
			if !r.Approved() {
				total += r.ApprovalsLeft()
			}
		}
		s.left = &total
	}
	return *s.left
}

// ApprovalNeeded reports whether any rule asks for at least one approval.
func (s *State) ApprovalNeeded() bool {
	for _, r := range s.rules {
		if r.ApprovalsRequired() > 0 || r.Invalid() {
			return true
		}
	}
	return false
}

// UnactionedApprovers is the union of every rule's unactioned approvers.
func (s *State) UnactionedApprovers() []int64 {
	out := []int64{}
	for _, r := range s.rules {
		out = union(out, r.UnactionedApprovers())
	}
	return out
}

// ApprovedBy reports whether userID has a recorded approval.
func (s *State) ApprovedBy(userID int64) bool {
	return slices.Contains(s.subj.approvedBy, userID)
}

// EligibleForApproval reports whether userID may contribute an approval,
// regardless of whether they already did.
func (s *State) EligibleForApproval(userID int64) bool {
	if s.subj.excluded(userID) {
		return false
	}
	anyApprover := len(s.rules) == 0
	for _, r := range s.rules {
		if r.Type() == models.RuleTypeAnyApprover {
			anyApprover = true
			continue
		}
		if slices.Contains(r.Approvers(), userID) {
			return true
		}
	}
	if !anyApprover {
		return false
	}
	members := s.subj.eligibleMembers()
	return members == nil || slices.Contains(members, userID)
}

// CanApprove reports whether userID may approve right now.
func (s *State) CanApprove(userID int64) bool {
	return s.mr.IsOpen() && s.EligibleForApproval(userID) && !s.ApprovedBy(userID)
}

// Reset drops every memoized value.
func (s *State) Reset() {
	s.approved = nil
	s.left = nil
	for _, r := range s.rules {
		r.reset()
	}
}

// recordApproval adds an approval that was just stored and drops the
// memoized results so the state stays usable without a reload.
func (s *State) recordApproval(a *models.Approval) {
	s.approvals = append(s.approvals, a)
	s.subj.approvedBy = append(s.subj.approvedBy, a.UserID)
	s.Reset()
}

// Cache holds the states loaded during one evaluation pass, such as a train
// refresh. Attach one to a context with WithCache; the Service then reuses
// states across calls and invalidates them when it writes.
type Cache struct {
	mu     sync.Mutex
	states map[int64]*State
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{states: make(map[int64]*State)}
}

// Get returns the cached state for mrID, loading it from repo on first use.
func (c *Cache) Get(ctx context.Context, repo Repository, mrID int64) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.states[mrID]; ok {
		return s, nil
	}
	s, err := Load(ctx, repo, mrID)
	if err != nil {
		return nil, err
	}
	c.states[mrID] = s
	return s, nil
}

// Invalidate forgets the state for mrID so the next Get reloads it.
func (c *Cache) Invalidate(mrID int64) {
	c.mu.Lock()
	delete(c.states, mrID)
	c.mu.Unlock()
}

// Clear forgets every state.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.states)
	c.mu.Unlock()
}

// Len is the number of cached states.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

type cacheKey struct{}

// WithCache returns ctx carrying a fresh Cache, or ctx itself if it already
// carries one.
func WithCache(ctx context.Context) context.Context {
	if CacheFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, cacheKey{}, NewCache())
}

// CacheFrom returns the cache attached to ctx, or nil.
func CacheFrom(ctx context.Context) *Cache {
	c, _ := ctx.Value(cacheKey{}).(*Cache)
	return c
}
