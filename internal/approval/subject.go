package approval

import (
	"slices"

	"github.com/drewdunne/conductor/internal/models"
)

// subject is what every wrapped rule of one merge request evaluates against.
type subject struct {
	mr         *models.MergeRequest
	project    *models.Project
	approvedBy []int64 // users with a recorded approval, in approval order
}

// excluded reports whether the filtering policy removes userID from any
// approver set for this merge request.
func (s *subject) excluded(userID int64) bool {
	settings := s.project.Settings
	if !settings.AllowAuthorApproval && userID == s.mr.AuthorID {
		return true
	}
	if !settings.AllowCommitterApproval && slices.Contains(s.mr.CommitterIDs, userID) {
		return true
	}
	return false
}

// filter applies the author and committer exclusions.
func (s *subject) filter(ids []int64) []int64 {
	out := []int64{}
	for _, id := range ids {
		if !s.excluded(id) {
			out = append(out, id)
		}
	}
	return out
}

// eligibleMembers is the filtered project membership, or nil when the
// membership is unknown.
func (s *subject) eligibleMembers() []int64 {
	if s.project.MemberIDs == nil {
		return nil
	}
	return s.filter(normalize(s.project.MemberIDs))
}
