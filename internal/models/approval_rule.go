package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// RuleType selects how an approval rule is evaluated.
type RuleType string

const (
	RuleTypeRegular        RuleType = "regular"
	RuleTypeCodeOwner      RuleType = "code_owner"
	RuleTypeReportApprover RuleType = "report_approver"
	RuleTypeAnyApprover    RuleType = "any_approver"
)

// UserDefined reports whether rules of this type are authored by people
// rather than derived from CODEOWNERS or security reports.
func (t RuleType) UserDefined() bool {
	return t == RuleTypeRegular || t == RuleTypeAnyApprover
}

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid approval rule")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ApprovalRule is a project rule (MergeRequestID == 0) or a merge request
// rule. Merge request rules copied from a project rule keep SourceRuleID.
type ApprovalRule struct {
	ID                int64    `json:"id"`
	ProjectID         int64    `json:"project_id" validate:"required"`
	MergeRequestID    int64    `json:"merge_request_id,omitempty"`
	Name              string   `json:"name" validate:"required,max=255"`
	Type              RuleType `json:"rule_type" validate:"required,oneof=regular code_owner report_approver any_approver"`
	ApprovalsRequired int      `json:"approvals_required" validate:"gte=0,lte=100"`
	UserIDs           []int64  `json:"user_ids"`
	GroupIDs          []int64  `json:"group_ids"`
	SourceRuleID      int64    `json:"source_rule_id,omitempty"`

	// Code owner rules.
	Section  string `json:"section,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Optional bool   `json:"optional,omitempty"`

	// Report approver rules.
	ReportType string `json:"report_type,omitempty"`

	// ApprovedApproverIDs is written once, when the merge request merges.
	// nil means not frozen yet; an empty slice means frozen with nobody.
	ApprovedApproverIDs []int64 `json:"approved_approver_ids,omitempty"`
}

// IsProjectRule reports whether the rule belongs to a project rather than a
// merge request.
func (r *ApprovalRule) IsProjectRule() bool {
	return r.MergeRequestID == 0
}

// Validate checks field constraints.
func (r *ApprovalRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on %s", ErrInvalidRule, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if r.Type == RuleTypeAnyApprover && (len(r.UserIDs) > 0 || len(r.GroupIDs) > 0) {
		return fmt.Errorf("%w: any_approver rule cannot name approvers", ErrInvalidRule)
	}
	if r.Type == RuleTypeCodeOwner && r.IsProjectRule() {
		return fmt.Errorf("%w: code_owner rules belong to merge requests", ErrInvalidRule)
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r *ApprovalRule) Clone() *ApprovalRule {
	c := *r
	c.UserIDs = append([]int64(nil), r.UserIDs...)
	c.GroupIDs = append([]int64(nil), r.GroupIDs...)
	if r.ApprovedApproverIDs != nil {
		c.ApprovedApproverIDs = append([]int64{}, r.ApprovedApproverIDs...)
	}
	return &c
}
