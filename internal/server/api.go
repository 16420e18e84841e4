package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store"
)

var (
	validate      = validator.New(validator.WithRequiredStructEnabled())
	errValidation = errors.New("validation failed")
)

type ruleRequest struct {
	Name              string          `json:"name" validate:"required,max=255"`
	Type              models.RuleType `json:"rule_type" validate:"required"`
	ApprovalsRequired int             `json:"approvals_required" validate:"gte=0,lte=100"`
	UserIDs           []int64         `json:"user_ids" validate:"dive,gt=0"`
	GroupIDs          []int64         `json:"group_ids" validate:"dive,gt=0"`
}

func (req *ruleRequest) rule() *models.ApprovalRule {
	return &models.ApprovalRule{
		Name:              req.Name,
		Type:              req.Type,
		ApprovalsRequired: req.ApprovalsRequired,
		UserIDs:           req.UserIDs,
		GroupIDs:          req.GroupIDs,
	}
}

type userRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", errValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

// Approval rules

func (s *Server) listProjectRules(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Store.GetProject(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rules, err := s.deps.Store.ListProjectRules(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rules))
}

func (s *Server) createProjectRule(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule := req.rule()
	rule.ProjectID = projectID
	if err := s.deps.Approvals.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// projectRule loads the rule named in the path and checks it belongs to the
// project in the path.
func (s *Server) projectRule(r *http.Request) (*models.ApprovalRule, error) {
	projectID, err := idParam(r, "projectID")
	if err != nil {
		return nil, err
	}
	ruleID, err := idParam(r, "ruleID")
	if err != nil {
		return nil, err
	}
	rule, err := s.deps.Store.GetApprovalRule(r.Context(), ruleID)
	if err != nil {
		return nil, err
	}
	if rule.ProjectID != projectID || !rule.IsProjectRule() {
		return nil, fmt.Errorf("approval rule %d in project %d: %w", ruleID, projectID, store.ErrNotFound)
	}
	return rule, nil
}

func (s *Server) updateProjectRule(w http.ResponseWriter, r *http.Request) {
	existing, err := s.projectRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule := req.rule()
	rule.ID = existing.ID
	if err := s.deps.Approvals.UpdateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteProjectRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.projectRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Approvals.DeleteRule(r.Context(), rule.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMergeRequestRules(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Store.GetMergeRequest(r.Context(), mrID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rules, err := s.deps.Store.ListMergeRequestRules(r.Context(), mrID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rules))
}

func (s *Server) createMergeRequestRule(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule := req.rule()
	rule.MergeRequestID = mrID
	if err := s.deps.Approvals.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// Approvals

type ruleState struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Type                models.RuleType `json:"rule_type"`
	ApprovalsRequired   int             `json:"approvals_required"`
	ApprovalsLeft       int             `json:"approvals_left"`
	Approved            bool            `json:"approved"`
	Invalid             bool            `json:"invalid,omitempty"`
	Approvers           []int64         `json:"eligible_approvers"`
	ApprovedApprovers   []int64         `json:"approved_by"`
	UnactionedApprovers []int64         `json:"unactioned_approvers"`
}

type stateResponse struct {
	MergeRequestID    int64       `json:"merge_request_id"`
	Approved          bool        `json:"approved"`
	ApprovalsRequired int         `json:"approvals_required"`
	ApprovalsLeft     int         `json:"approvals_left"`
	ApprovedBy        []int64     `json:"approved_by"`
	Rules             []ruleState `json:"rules"`
}

func renderState(st *approval.State) stateResponse {
	resp := stateResponse{
		MergeRequestID:    st.MergeRequest().ID,
		Approved:          st.Approved(),
		ApprovalsRequired: st.ApprovalsRequired(),
		ApprovalsLeft:     st.ApprovalsLeft(),
		ApprovedBy:        []int64{},
		Rules:             []ruleState{},
	}
	for _, a := range st.Approvals() {
		resp.ApprovedBy = append(resp.ApprovedBy, a.UserID)
	}
	for _, rule := range st.Rules() {
		resp.Rules = append(resp.Rules, ruleState{
			ID:                  rule.ID(),
			Name:                rule.Name(),
			Type:                rule.Type(),
			ApprovalsRequired:   rule.ApprovalsRequired(),
			ApprovalsLeft:       rule.ApprovalsLeft(),
			Approved:            rule.Approved(),
			Invalid:             rule.Invalid(),
			Approvers:           nonNil(rule.Approvers()),
			ApprovedApprovers:   nonNil(rule.ApprovedApprovers()),
			UnactionedApprovers: nonNil(rule.UnactionedApprovers()),
		})
	}
	return resp
}

func (s *Server) approvalState(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.deps.Approvals.State(r.Context(), mrID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderState(st))
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req userRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.deps.Approvals.Approve(r.Context(), mrID, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderState(st))
}

func (s *Server) unapprove(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := idParam(r, "userID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.deps.Approvals.Unapprove(r.Context(), mrID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, renderState(st))
}

// Merge trains

type trainEntryResponse struct {
	*models.TrainEntry
	Position int `json:"position"`
}

func (s *Server) trainEntry(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.deps.Train.Entry(r.Context(), mrID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.deps.Train.Position(r.Context(), mrID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trainEntryResponse{TrainEntry: e, Position: pos})
}

func (s *Server) addToTrain(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req userRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.deps.Train.Add(r.Context(), mrID, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.deps.Train.Position(r.Context(), mrID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trainEntryResponse{TrainEntry: e, Position: pos})
}

func (s *Server) removeFromTrain(w http.ResponseWriter, r *http.Request) {
	mrID, err := idParam(r, "mrID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Train.Remove(r.Context(), mrID, mergetrain.ReasonRemoved); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTrain(w http.ResponseWriter, r *http.Request) {
	projectID, err := idParam(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		s.writeError(w, r, fmt.Errorf("%w: branch is required", errValidation))
		return
	}
	entries, err := s.deps.Train.List(r.Context(), projectID, branch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
