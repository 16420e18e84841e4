package config

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/provider"
)

// RepoConfigPath is where a repository keeps its overrides.
const RepoConfigPath = ".conductor/config.yaml"

// RepoConfig represents repository-level configuration. Unset fields fall
// back to the server configuration.
type RepoConfig struct {
	Approvals RepoApprovalsConfig `yaml:"approvals"`
	Train     RepoTrainConfig     `yaml:"merge_train"`
}

// RepoApprovalsConfig overrides approval settings.
type RepoApprovalsConfig struct {
	AllowAuthorApproval    *bool                    `yaml:"allow_author_approval"`
	AllowCommitterApproval *bool                    `yaml:"allow_committer_approval"`
	AllowOverridesPerMR    *bool                    `yaml:"allow_overrides_per_mr"`
	ResetApprovalsOnPush   *bool                    `yaml:"reset_approvals_on_push"`
	ProtectedBranches      []models.ProtectedBranch `yaml:"protected_branches"`
}

// RepoTrainConfig overrides merge train settings.
type RepoTrainConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
}

// FileReader reads files from a repository.
type FileReader interface {
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// LoadRepoConfig loads the repo config from .conductor/config.yaml. A missing
// file yields an empty config.
func LoadRepoConfig(ctx context.Context, reader FileReader, owner, repo, ref string) (*RepoConfig, error) {
	data, err := reader.ReadFile(ctx, owner, repo, RepoConfigPath, ref)
	if errors.Is(err, provider.ErrFileNotFound) {
		return &RepoConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo config: %w", err)
	}

	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing repo config: %w", err)
	}

	return &cfg, nil
}
