package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/conductor/internal/webhook"
)

type gitHubPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// NormalizeGitHubEvent converts a GitHub webhook event to a normalized Event.
// Deliveries with nothing to act on return an error wrapping
// webhook.ErrIgnored.
func NormalizeGitHubEvent(ghEvent *webhook.GitHubEvent) (*Event, error) {
	var payload gitHubPayload
	if err := json.Unmarshal(ghEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	owner, name, ok := strings.Cut(payload.Repository.FullName, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository full_name: %q", payload.Repository.FullName)
	}

	pr := payload.PullRequest
	event := &Event{
		Provider:     "github",
		RepoOwner:    owner,
		RepoName:     name,
		RepoURL:      payload.Repository.CloneURL,
		MRNumber:     pr.Number,
		MRTitle:      pr.Title,
		SourceBranch: pr.Head.Ref,
		TargetBranch: pr.Base.Ref,
		HeadSHA:      pr.Head.SHA,
		Actor:        payload.Sender.Login,
		Timestamp:    time.Now(),
		RawPayload:   ghEvent.RawPayload,
	}
	if event.MRNumber == 0 {
		event.MRNumber = payload.Number
	}

	switch ghEvent.EventType {
	case "pull_request":
		switch payload.Action {
		case "opened", "reopened":
			event.Type = TypeMROpened
		case "synchronize":
			event.Type = TypeMRUpdated
		case "closed":
			if pr.Merged {
				event.Type = TypeMRMerged
			} else {
				event.Type = TypeMRClosed
			}
		default:
			return nil, fmt.Errorf("pull_request action %q: %w", payload.Action, webhook.ErrIgnored)
		}

	case "pull_request_review":
		switch {
		case payload.Action == "submitted" && strings.EqualFold(payload.Review.State, "approved"):
			event.Type = TypeApproved
		case payload.Action == "dismissed":
			event.Type = TypeUnapproved
		default:
			return nil, fmt.Errorf("pull_request_review %s/%s: %w", payload.Action, payload.Review.State, webhook.ErrIgnored)
		}

	default:
		return nil, fmt.Errorf("event type %q: %w", ghEvent.EventType, webhook.ErrIgnored)
	}

	return event, nil
}
