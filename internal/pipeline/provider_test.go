package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/provider"
)

type fakePipelineAPI struct {
	pipelines map[int64]*provider.Pipeline
	canceled  []int64
	nextID    int64
}

func (f *fakePipelineAPI) CreatePipeline(ctx context.Context, owner, repo, ref string) (*provider.Pipeline, error) {
	f.nextID++
	p := &provider.Pipeline{ID: f.nextID, Ref: ref, SHA: "abc123", Status: "created"}
	f.pipelines[p.ID] = p
	return p, nil
}

func (f *fakePipelineAPI) GetPipeline(ctx context.Context, owner, repo string, id int64) (*provider.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, errors.New("404 Not Found")
	}
	return p, nil
}

func (f *fakePipelineAPI) CancelPipeline(ctx context.Context, owner, repo string, id int64) (*provider.Pipeline, error) {
	f.canceled = append(f.canceled, id)
	f.pipelines[id].Status = "canceled"
	return f.pipelines[id], nil
}

type fakeSource map[string]provider.PipelineAPI

func (f fakeSource) Pipelines(name string) provider.PipelineAPI { return f[name] }

func newProviderRunner() (*ProviderRunner, *fakePipelineAPI) {
	api := &fakePipelineAPI{pipelines: map[int64]*provider.Pipeline{}, nextID: 100}
	return NewProviderRunner(fakeSource{"gitlab": api}), api
}

var gitlabProject = &models.Project{ID: 1, Provider: "gitlab", Owner: "acme", Name: "api"}

func TestProviderRunner_CreateAndStatus(t *testing.T) {
	r, api := newProviderRunner()
	ctx := context.Background()

	p, err := r.Create(ctx, Request{Project: gitlabProject, Ref: "merge-train/4"})
	require.NoError(t, err)
	assert.Equal(t, int64(101), p.ID)
	assert.Equal(t, int64(1), p.ProjectID)
	assert.Equal(t, "merge-train/4", p.Ref)
	assert.Equal(t, models.PipelineCreated, p.Status)

	api.pipelines[101].Status = "waiting_for_resource"
	p, err = r.Status(ctx, gitlabProject, 101)
	require.NoError(t, err)
	assert.Equal(t, models.PipelinePending, p.Status)

	api.pipelines[101].Status = "success"
	p, err = r.Status(ctx, gitlabProject, 101)
	require.NoError(t, err)
	assert.True(t, p.Succeeded())
}

func TestProviderRunner_Cancel(t *testing.T) {
	r, api := newProviderRunner()
	ctx := context.Background()
	p, err := r.Create(ctx, Request{Project: gitlabProject, Ref: "merge-train/4"})
	require.NoError(t, err)

	require.NoError(t, r.Cancel(ctx, gitlabProject, p.ID))
	assert.Equal(t, []int64{p.ID}, api.canceled)

	// The pipeline is canceled now; a second cancel is benign.
	assert.ErrorIs(t, r.Cancel(ctx, gitlabProject, p.ID), ErrAlreadyFinished)
	assert.Len(t, api.canceled, 1)
}

func TestProviderRunner_Unsupported(t *testing.T) {
	r, _ := newProviderRunner()
	github := &models.Project{ID: 2, Provider: "github", Owner: "acme", Name: "web"}

	_, err := r.Create(context.Background(), Request{Project: github, Ref: "merge-train/1"})

	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]models.PipelineStatus{
		"created":              models.PipelineCreated,
		"pending":              models.PipelinePending,
		"preparing":            models.PipelinePending,
		"manual":               models.PipelinePending,
		"running":              models.PipelineRunning,
		"success":              models.PipelineSuccess,
		"failed":               models.PipelineFailed,
		"canceling":            models.PipelineCanceled,
		"canceled":             models.PipelineCanceled,
		"skipped":              models.PipelineSkipped,
		"waiting_for_resource": models.PipelinePending,
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
