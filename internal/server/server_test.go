package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/event"
	"github.com/drewdunne/conductor/internal/webhook"
	"github.com/drewdunne/conductor/internal/worker"
)

func TestServer_HealthEndpoint(t *testing.T) {
	srv := New(config.DefaultConfig(), Deps{
		Checks: map[string]HealthCheck{
			"store": func(ctx context.Context) error { return nil },
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to parse health response: %v", err)
	}
	if health.Status != "ok" || health.Checks["store"] != "ok" {
		t.Errorf("health = %+v, want ok", health)
	}
}

func TestServer_HealthEndpoint_Degraded(t *testing.T) {
	srv := New(config.DefaultConfig(), Deps{
		Checks: map[string]HealthCheck{
			"docker": func(ctx context.Context) error { return errors.New("daemon unreachable") },
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to parse health response: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if health.Checks["docker"] != "daemon unreachable" {
		t.Errorf("docker check = %q", health.Checks["docker"])
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := New(config.DefaultConfig(), Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing Go runtime metrics")
	}
}

type recordingScheduler struct{ jobs []worker.Job }

func (r *recordingScheduler) Submit(job worker.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestServer_WebhookRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.GitHub.WebhookSecret = "gh-secret"
	cfg.Providers.GitLab.WebhookSecret = "gl-secret"
	sched := &recordingScheduler{}
	router := event.NewRouter(cfg, func(ctx context.Context, e *event.Event) error { return nil }, sched, zap.NewNop())
	srv := New(cfg, Deps{Events: router})

	payload := `{"action":"opened","number":3,"pull_request":{"number":3,"head":{"sha":"a"},"base":{"ref":"main"}},"repository":{"full_name":"acme/cache"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(payload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", webhook.Sign("gh-secret", []byte(payload)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /webhook/github status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/gitlab", strings.NewReader(`{"object_kind":"note","project":{"path_with_namespace":"acme/api"}}`))
	req.Header.Set("X-Gitlab-Token", "gl-secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /webhook/gitlab status = %d, want ignored 200", rec.Code)
	}

	if len(sched.jobs) != 1 {
		t.Errorf("queued %d jobs, want 1", len(sched.jobs))
	}
}

func TestServer_WebhookRoutesNeedSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	router := event.NewRouter(cfg, func(ctx context.Context, e *event.Event) error { return nil }, &recordingScheduler{}, zap.NewNop())
	srv := New(cfg, Deps{Events: router})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/gitlab", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
