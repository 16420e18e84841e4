// Package pipeline runs CI for merge train refs.
package pipeline

import (
	"context"
	"errors"

	"github.com/drewdunne/conductor/internal/models"
)

var (
	// ErrAlreadyFinished is returned by Cancel for a pipeline that already
	// reached a terminal status.
	ErrAlreadyFinished = errors.New("pipeline already finished")

	// ErrNotFound is returned for pipelines the runner does not know.
	ErrNotFound = errors.New("pipeline not found")

	// ErrUnsupported is returned when a project's provider cannot run
	// pipelines.
	ErrUnsupported = errors.New("provider does not run pipelines")
)

// Request describes a pipeline to start.
type Request struct {
	Project *models.Project
	Ref     string
	SHA     string
}

// Runner starts, polls and cancels pipelines.
type Runner interface {
	Create(ctx context.Context, req Request) (*models.Pipeline, error)
	Status(ctx context.Context, project *models.Project, id int64) (*models.Pipeline, error)
	Cancel(ctx context.Context, project *models.Project, id int64) error
}
