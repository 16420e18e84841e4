package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/conductor/internal/webhook"
)

type gitLabPayload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID           int64  `json:"id"`
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Action       string `json:"action"`
		OldRev       string `json:"oldrev"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
		// Pipeline attributes.
		Ref    string `json:"ref"`
		SHA    string `json:"sha"`
		Status string `json:"status"`
	} `json:"object_attributes"`
	MergeRequest *struct {
		IID int `json:"iid"`
	} `json:"merge_request"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

// NormalizeGitLabEvent converts a GitLab webhook event to a normalized Event.
// Deliveries with nothing to act on return an error wrapping
// webhook.ErrIgnored.
func NormalizeGitLabEvent(glEvent *webhook.GitLabEvent) (*Event, error) {
	var payload gitLabPayload
	if err := json.Unmarshal(glEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	// Nested groups keep everything before the last slash as the owner.
	i := strings.LastIndex(payload.Project.PathWithNamespace, "/")
	if i <= 0 || i == len(payload.Project.PathWithNamespace)-1 {
		return nil, fmt.Errorf("invalid project path: %q", payload.Project.PathWithNamespace)
	}

	attrs := payload.ObjectAttributes
	event := &Event{
		Provider:   "gitlab",
		RepoOwner:  payload.Project.PathWithNamespace[:i],
		RepoName:   payload.Project.PathWithNamespace[i+1:],
		RepoURL:    payload.Project.GitHTTPURL,
		Actor:      payload.User.Username,
		Timestamp:  time.Now(),
		RawPayload: glEvent.RawPayload,
	}

	switch payload.ObjectKind {
	case "merge_request":
		event.MRNumber = attrs.IID
		event.MRTitle = attrs.Title
		event.SourceBranch = attrs.SourceBranch
		event.TargetBranch = attrs.TargetBranch
		event.HeadSHA = attrs.LastCommit.ID

		switch attrs.Action {
		case "open", "reopen":
			event.Type = TypeMROpened
		case "update":
			if attrs.OldRev == "" {
				return nil, fmt.Errorf("merge_request update without new commits: %w", webhook.ErrIgnored)
			}
			event.Type = TypeMRUpdated
		case "close":
			event.Type = TypeMRClosed
		case "merge":
			event.Type = TypeMRMerged
		case "approved", "approval":
			event.Type = TypeApproved
		case "unapproved", "unapproval":
			event.Type = TypeUnapproved
		default:
			return nil, fmt.Errorf("merge_request action %q: %w", attrs.Action, webhook.ErrIgnored)
		}

	case "pipeline":
		event.Type = TypePipeline
		event.Pipeline = &PipelineInfo{
			ID:     attrs.ID,
			Ref:    attrs.Ref,
			SHA:    attrs.SHA,
			Status: attrs.Status,
		}
		if payload.MergeRequest != nil {
			event.MRNumber = payload.MergeRequest.IID
		}

	default:
		return nil, fmt.Errorf("object_kind %q: %w", payload.ObjectKind, webhook.ErrIgnored)
	}

	return event, nil
}
