package config

import (
	"testing"

	"github.com/drewdunne/conductor/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func TestMergeConfigs(t *testing.T) {
	server := DefaultConfig()
	server.Approvals = ApprovalsConfig{
		AllowAuthorApproval:  true,
		ResetApprovalsOnPush: false,
		ProtectedBranches:    []models.ProtectedBranch{{Name: "main"}},
	}
	server.Train.Image = "server-image"
	server.Train.Command = []string{"make", "test"}

	repo := &RepoConfig{
		Approvals: RepoApprovalsConfig{
			AllowAuthorApproval:  boolPtr(false),
			ResetApprovalsOnPush: boolPtr(true),
			ProtectedBranches: []models.ProtectedBranch{
				{Name: "release/*", CodeOwnerApprovalRequired: true},
			},
		},
		Train: RepoTrainConfig{
			Image: "repo-image",
		},
	}

	merged := MergeConfigs(server, repo)

	if merged.Settings.AllowAuthorApproval {
		t.Error("repo should be able to disable author approval")
	}
	if !merged.Settings.ResetApprovalsOnPush {
		t.Error("ResetApprovalsOnPush should come from repo")
	}
	if !merged.Settings.CodeOwnerApprovalRequired("release/1.0") {
		t.Error("repo protected branches should replace server ones")
	}
	if merged.Settings.CodeOwnerApprovalRequired("main") {
		t.Error("server protected branches should be replaced")
	}
	if merged.TrainImage != "repo-image" {
		t.Errorf("TrainImage = %q, want %q", merged.TrainImage, "repo-image")
	}
	if len(merged.TrainCommand) != 2 || merged.TrainCommand[0] != "make" {
		t.Errorf("TrainCommand = %v, want server command", merged.TrainCommand)
	}
}

func TestMergeConfigs_EmptyRepo(t *testing.T) {
	server := DefaultConfig()
	server.Approvals.AllowCommitterApproval = true

	merged := MergeConfigs(server, &RepoConfig{})

	if !merged.Settings.AllowCommitterApproval {
		t.Error("AllowCommitterApproval should come from server")
	}
	if !merged.Settings.MergeTrainsEnabled {
		t.Error("MergeTrainsEnabled should come from server")
	}
}

func TestMergeConfigs_TrainOptIn(t *testing.T) {
	tests := []struct {
		name   string
		server bool
		repo   *bool
		want   bool
	}{
		{"server on, repo unset", true, nil, true},
		{"server on, repo off", true, boolPtr(false), false},
		{"server off, repo on", false, boolPtr(true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := DefaultConfig()
			server.Train.Enabled = tt.server

			merged := MergeConfigs(server, &RepoConfig{Train: RepoTrainConfig{Enabled: tt.repo}})

			if merged.Settings.MergeTrainsEnabled != tt.want {
				t.Errorf("MergeTrainsEnabled = %v, want %v", merged.Settings.MergeTrainsEnabled, tt.want)
			}
		})
	}
}
