package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/provider"
)

// Source looks up the pipeline API of a provider by name.
type Source interface {
	Pipelines(name string) provider.PipelineAPI
}

// ProviderRunner runs pipelines on the project's own CI.
type ProviderRunner struct {
	source Source
	now    func() time.Time
}

// NewProviderRunner creates a runner backed by provider CI.
func NewProviderRunner(source Source) *ProviderRunner {
	return &ProviderRunner{source: source, now: time.Now}
}

func (r *ProviderRunner) api(project *models.Project) (provider.PipelineAPI, error) {
	api := r.source.Pipelines(project.Provider)
	if api == nil {
		return nil, fmt.Errorf("%s: %w", project.Provider, ErrUnsupported)
	}
	return api, nil
}

// Create starts a pipeline for req.Ref.
func (r *ProviderRunner) Create(ctx context.Context, req Request) (*models.Pipeline, error) {
	api, err := r.api(req.Project)
	if err != nil {
		return nil, err
	}
	p, err := api.CreatePipeline(ctx, req.Project.Owner, req.Project.Name, req.Ref)
	if err != nil {
		return nil, err
	}
	return r.convert(req.Project, p), nil
}

// Status fetches the current state of a pipeline.
func (r *ProviderRunner) Status(ctx context.Context, project *models.Project, id int64) (*models.Pipeline, error) {
	api, err := r.api(project)
	if err != nil {
		return nil, err
	}
	p, err := api.GetPipeline(ctx, project.Owner, project.Name, id)
	if err != nil {
		return nil, err
	}
	return r.convert(project, p), nil
}

// Cancel cancels a running pipeline.
func (r *ProviderRunner) Cancel(ctx context.Context, project *models.Project, id int64) error {
	api, err := r.api(project)
	if err != nil {
		return err
	}
	current, err := api.GetPipeline(ctx, project.Owner, project.Name, id)
	if err != nil {
		return err
	}
	if NormalizeStatus(current.Status).Finished() {
		return ErrAlreadyFinished
	}
	if _, err := api.CancelPipeline(ctx, project.Owner, project.Name, id); err != nil {
		return err
	}
	return nil
}

func (r *ProviderRunner) convert(project *models.Project, p *provider.Pipeline) *models.Pipeline {
	return &models.Pipeline{
		ID:        p.ID,
		ProjectID: project.ID,
		Ref:       p.Ref,
		SHA:       p.SHA,
		Status:    NormalizeStatus(p.Status),
		UpdatedAt: r.now(),
	}
}

// NormalizeStatus folds provider specific statuses into the ones the train
// understands.
func NormalizeStatus(s string) models.PipelineStatus {
	switch s {
	case "created":
		return models.PipelineCreated
	case "running":
		return models.PipelineRunning
	case "success":
		return models.PipelineSuccess
	case "failed":
		return models.PipelineFailed
	case "canceled", "canceling":
		return models.PipelineCanceled
	case "skipped":
		return models.PipelineSkipped
	default:
		// pending, waiting_for_resource, preparing, scheduled, manual
		return models.PipelinePending
	}
}
