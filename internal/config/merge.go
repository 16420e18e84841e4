package config

import "github.com/drewdunne/conductor/internal/models"

// MergedConfig is the effective configuration for one repository.
type MergedConfig struct {
	Settings     models.ApprovalSettings
	TrainImage   string
	TrainCommand []string
}

// MergeConfigs merges server config with repo config.
// Repo values take precedence whenever they are set.
func MergeConfigs(server *Config, repo *RepoConfig) *MergedConfig {
	s := server.ApprovalSettings()

	s.AllowAuthorApproval = pick(repo.Approvals.AllowAuthorApproval, s.AllowAuthorApproval)
	s.AllowCommitterApproval = pick(repo.Approvals.AllowCommitterApproval, s.AllowCommitterApproval)
	s.AllowOverridesPerMR = pick(repo.Approvals.AllowOverridesPerMR, s.AllowOverridesPerMR)
	s.ResetApprovalsOnPush = pick(repo.Approvals.ResetApprovalsOnPush, s.ResetApprovalsOnPush)
	if len(repo.Approvals.ProtectedBranches) > 0 {
		s.ProtectedBranches = append([]models.ProtectedBranch(nil), repo.Approvals.ProtectedBranches...)
	}

	// A repository may opt out of merge trains but not into them when the
	// server has them disabled.
	s.MergeTrainsEnabled = server.Train.Enabled && pick(repo.Train.Enabled, true)

	merged := &MergedConfig{
		Settings:     s,
		TrainImage:   coalesce(repo.Train.Image, server.Train.Image),
		TrainCommand: server.Train.Command,
	}
	if len(repo.Train.Command) > 0 {
		merged.TrainCommand = repo.Train.Command
	}
	return merged
}

func pick(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
