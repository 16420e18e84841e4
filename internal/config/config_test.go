package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 8080

logging:
  level: debug
  dir: "/var/log/conductor"
  retention_days: 7

approvals:
  allow_author_approval: true
  protected_branches:
    - name: main
      code_owner_approval_required: true

merge_train:
  max_concurrency: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.RetentionDays != 7 {
		t.Errorf("Logging.RetentionDays = %d, want %d", cfg.Logging.RetentionDays, 7)
	}
	if cfg.Train.MaxConcurrency != 2 {
		t.Errorf("Train.MaxConcurrency = %d, want %d", cfg.Train.MaxConcurrency, 2)
	}
	// Untouched sections keep their defaults.
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("Workers.Count = %d, want %d", cfg.Workers.Count, 4)
	}

	s := cfg.ApprovalSettings()
	if !s.AllowAuthorApproval {
		t.Error("AllowAuthorApproval should be true")
	}
	if !s.MergeTrainsEnabled {
		t.Error("MergeTrainsEnabled should default to true")
	}
	if !s.CodeOwnerApprovalRequired("main") {
		t.Error("main should require code owner approval")
	}
}

func TestLoadConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_TOKEN", "glpat-123")
	path := writeConfig(t, `
providers:
  gitlab:
    token: "${CONDUCTOR_TEST_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.GitLab.Token != "glpat-123" {
		t.Errorf("GitLab.Token = %q, want %q", cfg.Providers.GitLab.Token, "glpat-123")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"unknown driver", "store:\n  driver: sqlite\n"},
		{"docker runner without image", "merge_train:\n  runner: docker\n"},
		{"unknown runner", "merge_train:\n  runner: jenkins\n"},
		{"no workers", "workers:\n  count: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file, got nil")
	}
}
