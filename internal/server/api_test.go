package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store/memory"
)

type apiFixture struct {
	t       *testing.T
	store   *memory.Store
	srv     *Server
	project *models.Project
	mr      *models.MergeRequest
	author  *models.User
	bob     *models.User
	carol   *models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	f := &apiFixture{
		t:      t,
		store:  st,
		author: &models.User{Username: "author"},
		bob:    &models.User{Username: "bob"},
		carol:  &models.User{Username: "carol"},
	}
	for _, u := range []*models.User{f.author, f.bob, f.carol} {
		require.NoError(t, st.CreateUser(ctx, u))
	}

	f.project = &models.Project{
		Provider: "gitlab", Owner: "acme", Name: "api",
		Settings: models.ApprovalSettings{MergeTrainsEnabled: true, AllowOverridesPerMR: true},
	}
	require.NoError(t, st.CreateProject(ctx, f.project))
	f.mr = &models.MergeRequest{
		ProjectID: f.project.ID, IID: 4, AuthorID: f.author.ID,
		SourceBranch: "feature", TargetBranch: "main", State: models.MergeRequestOpened,
	}
	require.NoError(t, st.CreateMergeRequest(ctx, f.mr))

	approvals := approval.NewService(st, zap.NewNop())
	train := mergetrain.NewService(mergetrain.Config{Store: st, Approvals: approvals, Enabled: true})
	f.srv = New(config.DefaultConfig(), Deps{Store: st, Approvals: approvals, Train: train})
	return f
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (f *apiFixture) decode(rec *httptest.ResponseRecorder, v any) {
	f.t.Helper()
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (f *apiFixture) errorCode(rec *httptest.ResponseRecorder) string {
	f.t.Helper()
	var resp ErrorResponse
	f.decode(rec, &resp)
	return resp.Error.Code
}

func (f *apiFixture) mrPath(suffix string) string {
	return fmt.Sprintf("/api/v1/merge_requests/%d%s", f.mr.ID, suffix)
}

func (f *apiFixture) projectPath(suffix string) string {
	return fmt.Sprintf("/api/v1/projects/%d%s", f.project.ID, suffix)
}

func TestAPI_ProjectRules(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, f.projectPath("/approval_rules"), map[string]any{
		"name": "Backend", "rule_type": "regular", "approvals_required": 1, "user_ids": []int64{f.bob.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule models.ApprovalRule
	f.decode(rec, &rule)
	assert.Equal(t, f.project.ID, rule.ProjectID)

	rec = f.do(http.MethodPut, f.projectPath(fmt.Sprintf("/approval_rules/%d", rule.ID)), map[string]any{
		"name": "Backend", "rule_type": "regular", "approvals_required": 2, "user_ids": []int64{f.bob.ID, f.carol.ID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, f.projectPath("/approval_rules"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []models.ApprovalRule
	f.decode(rec, &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].ApprovalsRequired)

	rec = f.do(http.MethodDelete, f.projectPath(fmt.Sprintf("/approval_rules/%d", rule.ID)), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, f.projectPath(fmt.Sprintf("/approval_rules/%d", rule.ID)), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RuleValidation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body any
		want int
		code string
	}{
		{"missing name", map[string]any{"rule_type": "regular"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"negative approvals", map[string]any{"name": "x", "rule_type": "regular", "approvals_required": -1}, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown type", map[string]any{"name": "x", "rule_type": "magic"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"code owner on project", map[string]any{"name": "x", "rule_type": "code_owner"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown field", map[string]any{"name": "x", "rule_type": "regular", "priority": 1}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, f.projectPath("/approval_rules"), tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, f.errorCode(rec))
		})
	}

	rec := f.do(http.MethodGet, "/api/v1/projects/abc/approval_rules", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/api/v1/projects/9999/approval_rules", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", f.errorCode(rec))
}

func TestAPI_RuleFromAnotherProject(t *testing.T) {
	f := newAPIFixture(t)
	other := &models.Project{Provider: "gitlab", Owner: "acme", Name: "web"}
	require.NoError(t, f.store.CreateProject(context.Background(), other))
	rule := &models.ApprovalRule{ProjectID: other.ID, Name: "Web", Type: models.RuleTypeRegular}
	require.NoError(t, f.store.CreateApprovalRule(context.Background(), rule))

	rec := f.do(http.MethodDelete, f.projectPath(fmt.Sprintf("/approval_rules/%d", rule.ID)), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)
	rule := &models.ApprovalRule{ProjectID: f.project.ID, Name: "Backend", Type: models.RuleTypeRegular, ApprovalsRequired: 2, UserIDs: []int64{f.bob.ID, f.carol.ID}}
	require.NoError(t, f.store.CreateApprovalRule(context.Background(), rule))

	rec := f.do(http.MethodPost, f.mrPath("/approvals"), map[string]any{"user_id": f.bob.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st stateResponse
	f.decode(rec, &st)
	assert.False(t, st.Approved)
	assert.Equal(t, 1, st.ApprovalsLeft)

	rec = f.do(http.MethodPost, f.mrPath("/approvals"), map[string]any{"user_id": f.bob.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, f.mrPath("/approvals"), map[string]any{"user_id": f.author.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, f.mrPath("/approvals"), map[string]any{"user_id": f.carol.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	f.decode(rec, &st)
	assert.True(t, st.Approved)
	assert.Equal(t, 0, st.ApprovalsLeft)
	require.Len(t, st.Rules, 1)
	assert.ElementsMatch(t, []int64{f.bob.ID, f.carol.ID}, st.Rules[0].ApprovedApprovers)

	rec = f.do(http.MethodDelete, f.mrPath(fmt.Sprintf("/approvals/%d", f.carol.ID)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &st)
	assert.False(t, st.Approved)

	rec = f.do(http.MethodGet, f.mrPath("/approval_state"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &st)
	assert.Equal(t, []int64{f.bob.ID}, st.ApprovedBy)

	rec = f.do(http.MethodPost, f.mrPath("/approvals"), map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_MergeRequestRules(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, f.mrPath("/approval_rules"), map[string]any{
		"name": "Security", "rule_type": "regular", "approvals_required": 1, "user_ids": []int64{f.carol.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, f.mrPath("/approval_rules"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []models.ApprovalRule
	f.decode(rec, &rules)
	require.Len(t, rules, 1)
	assert.Equal(t, f.mr.ID, rules[0].MergeRequestID)
}

type trainEntryJSON struct {
	ID             int64  `json:"id"`
	MergeRequestID int64  `json:"merge_request_id"`
	Status         string `json:"status"`
	Position       int    `json:"position"`
}

func TestAPI_MergeTrain(t *testing.T) {
	f := newAPIFixture(t)

	// No rules: the merge request is approved.
	rec := f.do(http.MethodPost, f.mrPath("/merge_train"), map[string]any{"user_id": f.bob.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry trainEntryJSON
	f.decode(rec, &entry)
	assert.Equal(t, "idle", entry.Status)
	assert.Equal(t, 0, entry.Position)

	rec = f.do(http.MethodPost, f.mrPath("/merge_train"), map[string]any{"user_id": f.bob.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, f.mrPath("/merge_train"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	f.decode(rec, &entry)
	assert.Equal(t, f.mr.ID, entry.MergeRequestID)

	rec = f.do(http.MethodGet, f.projectPath("/merge_trains?branch=main"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []trainEntryJSON
	f.decode(rec, &entries)
	assert.Len(t, entries, 1)

	rec = f.do(http.MethodGet, f.projectPath("/merge_trains"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodDelete, f.mrPath("/merge_train"), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodGet, f.mrPath("/merge_train"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_MergeTrainGuards(t *testing.T) {
	f := newAPIFixture(t)
	rule := &models.ApprovalRule{ProjectID: f.project.ID, Name: "Backend", Type: models.RuleTypeRegular, ApprovalsRequired: 1, UserIDs: []int64{f.bob.ID}}
	require.NoError(t, f.store.CreateApprovalRule(context.Background(), rule))

	rec := f.do(http.MethodPost, f.mrPath("/merge_train"), map[string]any{"user_id": f.bob.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.project.Settings.MergeTrainsEnabled = false
	require.NoError(t, f.store.UpdateProject(context.Background(), f.project))
	rec = f.do(http.MethodPost, f.mrPath("/merge_train"), map[string]any{"user_id": f.bob.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", mergetrain.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("x: %w", mergetrain.ErrPredecessorsPending), http.StatusConflict},
		{approval.ErrRuleImmutable, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
