package models

import (
	"errors"
	"testing"
)

func TestApprovalRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    ApprovalRule
		wantErr bool
	}{
		{
			name: "valid regular rule",
			rule: ApprovalRule{ProjectID: 1, Name: "backend", Type: RuleTypeRegular, ApprovalsRequired: 2, UserIDs: []int64{1}},
		},
		{
			name:    "missing name",
			rule:    ApprovalRule{ProjectID: 1, Type: RuleTypeRegular, ApprovalsRequired: 1},
			wantErr: true,
		},
		{
			name:    "negative approvals",
			rule:    ApprovalRule{ProjectID: 1, Name: "x", Type: RuleTypeRegular, ApprovalsRequired: -1},
			wantErr: true,
		},
		{
			name:    "unknown type",
			rule:    ApprovalRule{ProjectID: 1, Name: "x", Type: "weird"},
			wantErr: true,
		},
		{
			name:    "any approver with users",
			rule:    ApprovalRule{ProjectID: 1, Name: "All Members", Type: RuleTypeAnyApprover, UserIDs: []int64{3}},
			wantErr: true,
		},
		{
			name:    "code owner on project",
			rule:    ApprovalRule{ProjectID: 1, Name: "*.go", Type: RuleTypeCodeOwner},
			wantErr: true,
		},
		{
			name: "code owner on merge request",
			rule: ApprovalRule{ProjectID: 1, MergeRequestID: 4, Name: "*.go", Type: RuleTypeCodeOwner},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("Validate() expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidRule) {
					t.Errorf("Validate() error = %v, want wrapping ErrInvalidRule", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestApprovalSettings_CodeOwnerApprovalRequired(t *testing.T) {
	s := ApprovalSettings{
		ProtectedBranches: []ProtectedBranch{
			{Name: "main", CodeOwnerApprovalRequired: true},
			{Name: "release/*", CodeOwnerApprovalRequired: true},
			{Name: "develop"},
		},
	}

	cases := map[string]bool{
		"main":        true,
		"release/1.0": true,
		"develop":     false,
		"feature/x":   false,
	}
	for branch, want := range cases {
		if got := s.CodeOwnerApprovalRequired(branch); got != want {
			t.Errorf("CodeOwnerApprovalRequired(%q) = %v, want %v", branch, got, want)
		}
	}
}

func TestApprovalRule_CloneIsDeep(t *testing.T) {
	r := &ApprovalRule{UserIDs: []int64{1, 2}}
	c := r.Clone()
	c.UserIDs[0] = 99
	if r.UserIDs[0] != 1 {
		t.Errorf("Clone() shares UserIDs backing array")
	}
}
