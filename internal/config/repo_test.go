package config

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/drewdunne/conductor/internal/provider"
)

type mockFileReader struct {
	content string
	err     error
	path    string
}

func (m *mockFileReader) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	m.path = path
	if m.err != nil {
		return nil, m.err
	}
	return []byte(m.content), nil
}

func TestLoadRepoConfig(t *testing.T) {
	reader := &mockFileReader{
		content: `
approvals:
  allow_author_approval: false
  reset_approvals_on_push: true
merge_train:
  enabled: false
  image: "golang:1.24"
`,
	}

	cfg, err := LoadRepoConfig(context.Background(), reader, "owner", "repo", "main")
	if err != nil {
		t.Fatalf("LoadRepoConfig() error = %v", err)
	}

	if reader.path != RepoConfigPath {
		t.Errorf("read path = %q, want %q", reader.path, RepoConfigPath)
	}
	if cfg.Approvals.AllowAuthorApproval == nil || *cfg.Approvals.AllowAuthorApproval {
		t.Error("Approvals.AllowAuthorApproval should be set to false")
	}
	if cfg.Approvals.AllowCommitterApproval != nil {
		t.Error("Approvals.AllowCommitterApproval should be unset")
	}
	if cfg.Train.Enabled == nil || *cfg.Train.Enabled {
		t.Error("Train.Enabled should be set to false")
	}
	if cfg.Train.Image != "golang:1.24" {
		t.Errorf("Train.Image = %q, want %q", cfg.Train.Image, "golang:1.24")
	}
}

func TestLoadRepoConfig_NotFound(t *testing.T) {
	reader := &mockFileReader{
		err: fmt.Errorf("%s: %w", RepoConfigPath, provider.ErrFileNotFound),
	}

	cfg, err := LoadRepoConfig(context.Background(), reader, "owner", "repo", "main")
	if err != nil {
		t.Fatalf("LoadRepoConfig() should not error for missing config, got: %v", err)
	}

	if cfg == nil {
		t.Error("Should return empty config, not nil")
	}
}

func TestLoadRepoConfig_ReadError(t *testing.T) {
	reader := &mockFileReader{err: errors.New("connection reset")}

	if _, err := LoadRepoConfig(context.Background(), reader, "owner", "repo", "main"); err == nil {
		t.Error("LoadRepoConfig() expected error, got nil")
	}
}

func TestLoadRepoConfig_BadYAML(t *testing.T) {
	reader := &mockFileReader{content: "approvals: [unclosed"}

	if _, err := LoadRepoConfig(context.Background(), reader, "owner", "repo", "main"); err == nil {
		t.Error("LoadRepoConfig() expected parse error, got nil")
	}
}
