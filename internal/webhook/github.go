package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// GitHubEvent is an authenticated GitHub delivery.
type GitHubEvent struct {
	EventType  string // X-GitHub-Event, e.g. "pull_request"
	DeliveryID string
	Action     string `json:"action"`
	RawPayload []byte
}

// GitHubEventHandler is called for each authenticated GitHub delivery.
type GitHubEventHandler func(ctx context.Context, event *GitHubEvent) error

// GitHubHandler verifies the X-Hub-Signature-256 HMAC.
type GitHubHandler struct {
	secret  string
	handler GitHubEventHandler
}

func NewGitHubHandler(secret string, handler GitHubEventHandler) *GitHubHandler {
	return &GitHubHandler{secret: secret, handler: handler}
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, "github")
	if !ok {
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		http.Error(w, "missing signature", http.StatusUnauthorized)
		return
	}
	if !verifySignature(h.secret, body, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := &GitHubEvent{
		EventType:  r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		RawPayload: body,
	}
	if event.EventType == "ping" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := json.Unmarshal(body, event); err != nil {
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	respond(w, h.handler(r.Context(), event))
}

// Sign returns the X-Hub-Signature-256 value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, payload []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}
