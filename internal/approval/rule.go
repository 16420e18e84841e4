package approval

import (
	"github.com/drewdunne/conductor/internal/models"
)

// Rule is one approval rule evaluated against one merge request.
type Rule interface {
	ID() int64
	Name() string
	Type() models.RuleType
	// Source is the underlying record: a project rule or a merge request rule.
	Source() *models.ApprovalRule

	ApprovalsRequired() int
	// Approvers is the filtered set of users who may satisfy the rule.
	Approvers() []int64
	// ApprovedApprovers are the approvers who have approved.
	ApprovedApprovers() []int64
	// UnactionedApprovers are the approvers who have not approved yet.
	UnactionedApprovers() []int64
	// ApprovalsLeft is max(required - len(approved), 0), or at least 1 for
	// an invalid rule.
	ApprovalsLeft() int
	Approved() bool
	// Invalid reports a rule whose source project rule has disappeared.
	// Invalid rules never approve.
	Invalid() bool

	reset()
}

// baseRule carries what every rule variant shares.
type baseRule struct {
	rule       *models.ApprovalRule
	subj       *subject
	candidates []int64 // named users plus group members, before filtering
	frozen     []int64 // approvals captured at merge time, nil while open
	invalid    bool

	approvers []int64
	approved  []int64
}

func (b *baseRule) ID() int64                    { return b.rule.ID }
func (b *baseRule) Name() string                 { return b.rule.Name }
func (b *baseRule) Type() models.RuleType        { return b.rule.Type }
func (b *baseRule) Source() *models.ApprovalRule { return b.rule }
func (b *baseRule) Invalid() bool                { return b.invalid }

func (b *baseRule) reset() {
	b.approvers = nil
	b.approved = nil
}

func (b *baseRule) Approvers() []int64 {
	if b.approvers == nil {
		b.approvers = b.subj.filter(normalize(b.candidates))
	}
	return b.approvers
}

func (b *baseRule) ApprovedApprovers() []int64 {
	if b.approved == nil {
		if b.frozen != nil {
			b.approved = normalize(b.frozen)
		} else {
			b.approved = intersect(b.subj.approvedBy, b.Approvers())
		}
	}
	return b.approved
}

func (b *baseRule) UnactionedApprovers() []int64 {
	return subtract(b.Approvers(), b.ApprovedApprovers())
}

func approvalsLeft(required, approved int, invalid bool) int {
	left := required - approved
	if invalid && left < 1 {
		return 1
	}
	if left < 0 {
		return 0
	}
	return left
}

// regularRule backs regular and report_approver rules.
type regularRule struct {
	baseRule
}

func (r *regularRule) ApprovalsRequired() int {
	return r.rule.ApprovalsRequired
}

func (r *regularRule) ApprovalsLeft() int {
	return approvalsLeft(r.ApprovalsRequired(), len(r.ApprovedApprovers()), r.invalid)
}

func (r *regularRule) Approved() bool {
	return !r.invalid && r.ApprovalsLeft() <= 0
}

// anyApproverRule is satisfied by approvals from any eligible user.
type anyApproverRule struct {
	baseRule
}

func (r *anyApproverRule) ApprovalsRequired() int {
	return r.rule.ApprovalsRequired
}

// Approvers is the eligible project membership when it is known.
func (r *anyApproverRule) Approvers() []int64 {
	if r.approvers == nil {
		if members := r.subj.eligibleMembers(); members != nil {
			r.approvers = members
		} else {
			r.approvers = []int64{}
		}
	}
	return r.approvers
}

func (r *anyApproverRule) ApprovedApprovers() []int64 {
	if r.approved == nil {
		if r.frozen != nil {
			r.approved = normalize(r.frozen)
		} else {
			r.approved = r.subj.filter(r.subj.approvedBy)
		}
	}
	return r.approved
}

func (r *anyApproverRule) UnactionedApprovers() []int64 {
	return subtract(r.Approvers(), r.ApprovedApprovers())
}

func (r *anyApproverRule) ApprovalsLeft() int {
	return approvalsLeft(r.ApprovalsRequired(), len(r.ApprovedApprovers()), r.invalid)
}

func (r *anyApproverRule) Approved() bool {
	if r.invalid {
		return false
	}
	if r.ApprovalsLeft() <= 0 {
		return true
	}
	// Only any-approver rules pass once every eligible member has acted.
	// With unknown membership there is no finite set to exhaust.
	return r.subj.project.MemberIDs != nil && len(r.UnactionedApprovers()) == 0
}

// codeOwnerRule requires one approval from the owners of a section when the
// target branch demands code owner approval.
type codeOwnerRule struct {
	baseRule
}

func (r *codeOwnerRule) ApprovalsRequired() int {
	if r.rule.Optional {
		return 0
	}
	if r.subj.project.Settings.CodeOwnerApprovalRequired(r.subj.mr.TargetBranch) {
		return 1
	}
	return 0
}

func (r *codeOwnerRule) ApprovalsLeft() int {
	return approvalsLeft(r.ApprovalsRequired(), len(r.ApprovedApprovers()), r.invalid)
}

func (r *codeOwnerRule) Approved() bool {
	return !r.invalid && r.ApprovalsLeft() <= 0
}

// wrap picks the rule variant from the rule type.
func wrap(b baseRule) Rule {
	switch b.rule.Type {
	case models.RuleTypeAnyApprover:
		return &anyApproverRule{baseRule: b}
	case models.RuleTypeCodeOwner:
		return &codeOwnerRule{baseRule: b}
	default:
		return &regularRule{baseRule: b}
	}
}
