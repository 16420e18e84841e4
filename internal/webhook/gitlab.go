package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// GitLabEvent is an authenticated GitLab delivery.
type GitLabEvent struct {
	EventType        string // X-Gitlab-Event, e.g. "Merge Request Hook"
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		Action string `json:"action"`
	} `json:"object_attributes"`
	RawPayload []byte
}

// GitLabEventHandler is called for each authenticated GitLab delivery.
type GitLabEventHandler func(ctx context.Context, event *GitLabEvent) error

// GitLabHandler verifies the X-Gitlab-Token secret.
type GitLabHandler struct {
	secret  string
	handler GitLabEventHandler
}

func NewGitLabHandler(secret string, handler GitLabEventHandler) *GitLabHandler {
	return &GitLabHandler{secret: secret, handler: handler}
}

func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, "gitlab")
	if !ok {
		return
	}

	token := r.Header.Get("X-Gitlab-Token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	event := &GitLabEvent{
		EventType:  r.Header.Get("X-Gitlab-Event"),
		RawPayload: body,
	}
	if err := json.Unmarshal(body, event); err != nil {
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	respond(w, h.handler(r.Context(), event))
}
