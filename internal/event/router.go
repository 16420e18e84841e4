package event

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/metrics"
	"github.com/drewdunne/conductor/internal/webhook"
	"github.com/drewdunne/conductor/internal/worker"
)

// Handler processes a normalized event.
type Handler func(ctx context.Context, event *Event) error

// Scheduler queues background jobs; *worker.Pool implements it.
type Scheduler interface {
	Submit(job worker.Job) error
}

// Router filters events and hands the rest to the worker pool.
type Router struct {
	events    config.ServerEventsConfig
	handler   Handler
	scheduler Scheduler
	debouncer *Debouncer
	logger    *zap.Logger
}

// NewRouter creates a new event router.
func NewRouter(serverCfg *config.Config, handler Handler, scheduler Scheduler, logger *zap.Logger) *Router {
	debounceWindow := time.Duration(serverCfg.Workers.DebounceSeconds) * time.Second
	if debounceWindow == 0 {
		debounceWindow = 10 * time.Second
	}
	return &Router{
		events:    serverCfg.Events,
		handler:   handler,
		scheduler: scheduler,
		debouncer: NewDebouncer(debounceWindow),
		logger:    logger.Named("router"),
	}
}

// Route queues the event for processing. Disabled and debounced events
// return an error wrapping webhook.ErrIgnored.
func (r *Router) Route(ctx context.Context, event *Event) error {
	log := r.logger.With(
		logfield.Provider(event.Provider),
		logfield.EventType(string(event.Type)),
		logfield.ProjectPath(event.RepoOwner+"/"+event.RepoName),
		logfield.MergeRequestIID(event.MRNumber),
	)

	if !r.isEventEnabled(event.Type) {
		log.Debug("event type disabled")
		return fmt.Errorf("%s disabled: %w", event.Type, webhook.ErrIgnored)
	}

	// Pushes arrive in bursts; everything else carries state that must not
	// be dropped.
	if event.Type == TypeMRUpdated && !r.debouncer.ShouldProcess(event) {
		log.Debug("event debounced", zap.String("key", event.Key()))
		return fmt.Errorf("%s debounced: %w", event.Key(), webhook.ErrIgnored)
	}

	job := worker.Job{
		Key:  "event:" + event.Key(),
		Kind: string(event.Type),
		Run: func(ctx context.Context) error {
			if err := r.handler(ctx, event); err != nil {
				return err
			}
			metrics.WebhookProcessed(string(event.Type))
			return nil
		},
	}
	if err := r.scheduler.Submit(job); err != nil {
		return fmt.Errorf("queueing %s: %w", event.Type, err)
	}
	log.Info("event queued")
	return nil
}

// GitLab adapts Route to a webhook.GitLabEventHandler.
func (r *Router) GitLab(ctx context.Context, glEvent *webhook.GitLabEvent) error {
	event, err := NormalizeGitLabEvent(glEvent)
	if err != nil {
		return err
	}
	return r.Route(ctx, event)
}

// GitHub adapts Route to a webhook.GitHubEventHandler.
func (r *Router) GitHub(ctx context.Context, ghEvent *webhook.GitHubEvent) error {
	event, err := NormalizeGitHubEvent(ghEvent)
	if err != nil {
		return err
	}
	return r.Route(ctx, event)
}

func (r *Router) isEventEnabled(t Type) bool {
	switch t {
	case TypeMROpened:
		return r.events.MROpened
	case TypeMRUpdated:
		return r.events.MRUpdated
	case TypeMRClosed:
		return r.events.MRClosed
	case TypeMRMerged:
		return r.events.MRMerged
	case TypeApproved, TypeUnapproved:
		return r.events.Approval
	case TypePipeline:
		return r.events.Pipeline
	default:
		return false
	}
}
