// Package memory is an in-process Store used by tests and single-node setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store"
)

// Store keeps every record in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	seq int64

	users     map[int64]*models.User
	groups    map[int64]*models.Group
	projects  map[int64]*models.Project
	mrs       map[int64]*models.MergeRequest
	rules     map[int64]*models.ApprovalRule
	approvals map[int64]*models.Approval
	pipelines map[int64]*models.Pipeline
	entries   map[int64]*models.TrainEntry
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:     make(map[int64]*models.User),
		groups:    make(map[int64]*models.Group),
		projects:  make(map[int64]*models.Project),
		mrs:       make(map[int64]*models.MergeRequest),
		rules:     make(map[int64]*models.ApprovalRule),
		approvals: make(map[int64]*models.Approval),
		pipelines: make(map[int64]*models.Pipeline),
		entries:   make(map[int64]*models.TrainEntry),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, store.ErrNotFound)
}

// Users

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("user %s: %w", u.Username, store.ErrConflict)
		}
	}
	if u.ID == 0 {
		u.ID = s.nextID()
	}
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	c := *u
	return &c, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, notFound("user", username)
}

func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("group %s: %w", g.Name, store.ErrConflict)
		}
	}
	if g.ID == 0 {
		g.ID = s.nextID()
	}
	c := *g
	c.MemberIDs = append([]int64(nil), g.MemberIDs...)
	s.groups[g.ID] = &c
	return nil
}

func (s *Store) GroupByName(ctx context.Context, name string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.Name == name {
			c := *g
			c.MemberIDs = append([]int64(nil), g.MemberIDs...)
			return &c, nil
		}
	}
	return nil, notFound("group", name)
}

func (s *Store) GroupMembers(ctx context.Context, groupIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, gid := range groupIDs {
		g, ok := s.groups[gid]
		if !ok {
			continue
		}
		for _, uid := range g.MemberIDs {
			if !seen[uid] {
				seen[uid] = true
				out = append(out, uid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Projects

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.Settings.ProtectedBranches = append([]models.ProtectedBranch(nil), p.Settings.ProtectedBranches...)
	if p.MemberIDs != nil {
		c.MemberIDs = append([]int64{}, p.MemberIDs...)
	}
	return &c
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.Provider == p.Provider && existing.Owner == p.Owner && existing.Name == p.Name {
			return fmt.Errorf("project %s: %w", p.FullName(), store.ErrConflict)
		}
	}
	if p.ID == 0 {
		p.ID = s.nextID()
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	return cloneProject(p), nil
}

func (s *Store) ProjectByPath(ctx context.Context, provider, owner, name string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Provider == provider && p.Owner == owner && p.Name == name {
			return cloneProject(p), nil
		}
	}
	return nil, notFound("project", owner+"/"+name)
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return notFound("project", p.ID)
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

// Merge requests

func cloneMR(mr *models.MergeRequest) *models.MergeRequest {
	c := *mr
	c.CommitterIDs = append([]int64(nil), mr.CommitterIDs...)
	if mr.MergedAt != nil {
		t := *mr.MergedAt
		c.MergedAt = &t
	}
	return &c
}

func (s *Store) CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mrs {
		if existing.ProjectID == mr.ProjectID && existing.IID == mr.IID {
			return fmt.Errorf("merge request !%d: %w", mr.IID, store.ErrConflict)
		}
	}
	if mr.ID == 0 {
		mr.ID = s.nextID()
	}
	s.mrs[mr.ID] = cloneMR(mr)
	return nil
}

func (s *Store) GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mr, ok := s.mrs[id]
	if !ok {
		return nil, notFound("merge request", id)
	}
	return cloneMR(mr), nil
}

func (s *Store) MergeRequestByIID(ctx context.Context, projectID int64, iid int) (*models.MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mr := range s.mrs {
		if mr.ProjectID == projectID && mr.IID == iid {
			return cloneMR(mr), nil
		}
	}
	return nil, notFound("merge request", iid)
}

func (s *Store) UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mrs[mr.ID]; !ok {
		return notFound("merge request", mr.ID)
	}
	s.mrs[mr.ID] = cloneMR(mr)
	return nil
}

// Approval rules

func sameScope(a, b *models.ApprovalRule) bool {
	if a.MergeRequestID != 0 || b.MergeRequestID != 0 {
		return a.MergeRequestID == b.MergeRequestID
	}
	return a.ProjectID == b.ProjectID
}

func (s *Store) checkRuleUniqueness(r *models.ApprovalRule) error {
	for _, existing := range s.rules {
		if existing.ID == r.ID || !sameScope(existing, r) {
			continue
		}
		if existing.Name == r.Name {
			return fmt.Errorf("approval rule %q: %w", r.Name, store.ErrConflict)
		}
		if r.Type == models.RuleTypeAnyApprover && existing.Type == models.RuleTypeAnyApprover {
			return fmt.Errorf("any_approver rule: %w", store.ErrConflict)
		}
	}
	return nil
}

func (s *Store) CreateApprovalRule(ctx context.Context, r *models.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRuleUniqueness(r); err != nil {
		return err
	}
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetApprovalRule(ctx context.Context, id int64) (*models.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, notFound("approval rule", id)
	}
	return r.Clone(), nil
}

func (s *Store) UpdateApprovalRule(ctx context.Context, r *models.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return notFound("approval rule", r.ID)
	}
	if err := s.checkRuleUniqueness(r); err != nil {
		return err
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *Store) DeleteApprovalRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return notFound("approval rule", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *Store) listRules(match func(*models.ApprovalRule) bool) []*models.ApprovalRule {
	var out []*models.ApprovalRule
	for _, r := range s.rules {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListProjectRules(ctx context.Context, projectID int64) ([]*models.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRules(func(r *models.ApprovalRule) bool {
		return r.ProjectID == projectID && r.IsProjectRule()
	}), nil
}

func (s *Store) ListMergeRequestRules(ctx context.Context, mrID int64) ([]*models.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRules(func(r *models.ApprovalRule) bool {
		return r.MergeRequestID == mrID
	}), nil
}

// Approvals

func (s *Store) CreateApproval(ctx context.Context, a *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals {
		if existing.MergeRequestID == a.MergeRequestID && existing.UserID == a.UserID {
			return fmt.Errorf("approval by user %d: %w", a.UserID, store.ErrConflict)
		}
	}
	if a.ID == 0 {
		a.ID = s.nextID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	c := *a
	s.approvals[a.ID] = &c
	return nil
}

func (s *Store) DeleteApproval(ctx context.Context, mrID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.approvals {
		if a.MergeRequestID == mrID && a.UserID == userID {
			delete(s.approvals, id)
			return nil
		}
	}
	return notFound("approval", userID)
}

func (s *Store) DeleteApprovals(ctx context.Context, mrID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.approvals {
		if a.MergeRequestID == mrID {
			delete(s.approvals, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListApprovals(ctx context.Context, mrID int64) ([]*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Approval
	for _, a := range s.approvals {
		if a.MergeRequestID == mrID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Pipelines

func (s *Store) UpsertPipeline(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		return fmt.Errorf("pipeline without id")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	c := *p
	s.pipelines[p.ID] = &c
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, notFound("pipeline", id)
	}
	c := *p
	return &c, nil
}

// Train entries

func cloneEntry(e *models.TrainEntry) *models.TrainEntry {
	c := *e
	if e.MergedAt != nil {
		t := *e.MergedAt
		c.MergedAt = &t
	}
	return &c
}

func (s *Store) CreateTrainEntry(ctx context.Context, e *models.TrainEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.MergeRequestID == e.MergeRequestID && existing.Active() {
			return fmt.Errorf("merge request %d already on train: %w", e.MergeRequestID, store.ErrConflict)
		}
	}
	e.ID = s.nextID()
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.LockVersion = 0
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *Store) GetTrainEntry(ctx context.Context, id int64) (*models.TrainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, notFound("train entry", id)
	}
	return cloneEntry(e), nil
}

func (s *Store) TrainEntryByMergeRequest(ctx context.Context, mrID int64) (*models.TrainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.TrainEntry
	for _, e := range s.entries {
		if e.MergeRequestID != mrID {
			continue
		}
		// Prefer the active entry over merged history.
		if found == nil || (e.Active() && !found.Active()) || (e.Active() == found.Active() && e.ID > found.ID) {
			found = e
		}
	}
	if found == nil {
		return nil, notFound("train entry for merge request", mrID)
	}
	return cloneEntry(found), nil
}

func (s *Store) UpdateTrainEntry(ctx context.Context, e *models.TrainEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[e.ID]
	if !ok {
		return notFound("train entry", e.ID)
	}
	if current.LockVersion != e.LockVersion {
		return fmt.Errorf("train entry %d lock_version %d != %d: %w", e.ID, e.LockVersion, current.LockVersion, store.ErrStaleObject)
	}
	e.LockVersion++
	e.UpdatedAt = time.Now()
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *Store) DeleteTrainEntry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return notFound("train entry", id)
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) ListTrain(ctx context.Context, q store.TrainQueue, includeMerged bool) ([]*models.TrainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TrainEntry
	for _, e := range s.entries {
		if e.ProjectID != q.ProjectID || e.TargetBranch != q.TargetBranch {
			continue
		}
		if !includeMerged && !e.Active() {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTrainQueues(ctx context.Context) ([]store.TrainQueue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[store.TrainQueue]bool)
	var out []store.TrainQueue
	for _, e := range s.entries {
		if !e.Active() {
			continue
		}
		q := store.TrainQueue{ProjectID: e.ProjectID, TargetBranch: e.TargetBranch}
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].TargetBranch < out[j].TargetBranch
	})
	return out, nil
}
