package event

import (
	"errors"
	"testing"

	"github.com/drewdunne/conductor/internal/webhook"
)

func gitLabMR(action, extra string) string {
	return `{
		"object_kind": "merge_request",
		"user": {"username": "alice"},
		"project": {"path_with_namespace": "acme/platform/api", "git_http_url": "https://gitlab.com/acme/platform/api.git"},
		"object_attributes": {
			"iid": 42,
			"title": "Add rate limiting",
			"source_branch": "feature/rate-limit",
			"target_branch": "main",
			"last_commit": {"id": "abc123"},
			"action": "` + action + `"` + extra + `
		}
	}`
}

func TestNormalizeGitLabEvent_MergeRequest(t *testing.T) {
	tests := []struct {
		action string
		extra  string
		want   Type
	}{
		{"open", "", TypeMROpened},
		{"reopen", "", TypeMROpened},
		{"update", `, "oldrev": "def456"`, TypeMRUpdated},
		{"close", "", TypeMRClosed},
		{"merge", "", TypeMRMerged},
		{"approved", "", TypeApproved},
		{"approval", "", TypeApproved},
		{"unapproved", "", TypeUnapproved},
		{"unapproval", "", TypeUnapproved},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			got, err := NormalizeGitLabEvent(&webhook.GitLabEvent{RawPayload: []byte(gitLabMR(tt.action, tt.extra))})
			if err != nil {
				t.Fatalf("NormalizeGitLabEvent() error = %v", err)
			}
			if got.Type != tt.want {
				t.Errorf("Type = %s, want %s", got.Type, tt.want)
			}
			if got.RepoOwner != "acme/platform" || got.RepoName != "api" {
				t.Errorf("repo = %s/%s, want acme/platform/api", got.RepoOwner, got.RepoName)
			}
			if got.MRNumber != 42 || got.HeadSHA != "abc123" || got.TargetBranch != "main" {
				t.Errorf("event = %+v", got)
			}
			if got.Actor != "alice" {
				t.Errorf("Actor = %q, want alice", got.Actor)
			}
		})
	}
}

func TestNormalizeGitLabEvent_Pipeline(t *testing.T) {
	payload := `{
		"object_kind": "pipeline",
		"project": {"path_with_namespace": "acme/api"},
		"object_attributes": {"id": 901, "ref": "merge-train/42", "sha": "fff", "status": "success"},
		"merge_request": null
	}`
	got, err := NormalizeGitLabEvent(&webhook.GitLabEvent{RawPayload: []byte(payload)})
	if err != nil {
		t.Fatalf("NormalizeGitLabEvent() error = %v", err)
	}
	if got.Type != TypePipeline {
		t.Fatalf("Type = %s, want %s", got.Type, TypePipeline)
	}
	want := PipelineInfo{ID: 901, Ref: "merge-train/42", SHA: "fff", Status: "success"}
	if *got.Pipeline != want {
		t.Errorf("Pipeline = %+v, want %+v", *got.Pipeline, want)
	}
}

func TestNormalizeGitLabEvent_Ignored(t *testing.T) {
	payloads := map[string]string{
		"update without push": gitLabMR("update", ""),
		"unknown action":      gitLabMR("unlabel", ""),
		"note":                `{"object_kind": "note", "project": {"path_with_namespace": "acme/api"}}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeGitLabEvent(&webhook.GitLabEvent{RawPayload: []byte(payload)})
			if !errors.Is(err, webhook.ErrIgnored) {
				t.Errorf("error = %v, want ErrIgnored", err)
			}
		})
	}
}

func TestNormalizeGitLabEvent_Invalid(t *testing.T) {
	payloads := map[string]string{
		"bad json":     `{`,
		"no namespace": `{"object_kind": "merge_request", "project": {"path_with_namespace": "api"}}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeGitLabEvent(&webhook.GitLabEvent{RawPayload: []byte(payload)})
			if err == nil || errors.Is(err, webhook.ErrIgnored) {
				t.Errorf("error = %v, want a parse error", err)
			}
		})
	}
}
