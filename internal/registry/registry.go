package registry

import (
	"context"
	"fmt"

	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/provider"
	"github.com/drewdunne/conductor/internal/provider/github"
	"github.com/drewdunne/conductor/internal/provider/gitlab"
)

// Registry manages provider instances.
type Registry struct {
	providers map[string]provider.Provider
}

// New creates a new provider registry from config.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		providers: make(map[string]provider.Provider),
	}

	if gh := cfg.Providers.GitHub; gh.Token != "" {
		var opts []github.Option
		if gh.BaseURL != "" {
			opts = append(opts, github.WithBaseURL(gh.BaseURL))
		}
		r.providers["github"] = github.New(gh.Token, opts...)
	}

	if gl := cfg.Providers.GitLab; gl.Token != "" {
		var opts []gitlab.Option
		if gl.BaseURL != "" {
			opts = append(opts, gitlab.WithBaseURL(gl.BaseURL))
		}
		r.providers["gitlab"] = gitlab.New(gl.Token, opts...)
	}

	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p provider.Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider for the given name, or nil if not configured.
func (r *Registry) Get(name string) provider.Provider {
	return r.providers[name]
}

// Lookup is Get with an error for unconfigured providers.
func (r *Registry) Lookup(name string) (provider.Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Pipelines returns the pipeline API of a provider, or nil if it has none.
func (r *Registry) Pipelines(name string) provider.PipelineAPI {
	api, _ := r.providers[name].(provider.PipelineAPI)
	return api
}

type cloneAuthenticator interface {
	AuthenticatedCloneURL(rawURL string) (string, error)
}

// CloneURL returns the project's clone URL with provider credentials
// embedded when the provider supports it.
func (r *Registry) CloneURL(project *models.Project) (string, error) {
	p, err := r.Lookup(project.Provider)
	if err != nil {
		return "", err
	}
	if auth, ok := p.(cloneAuthenticator); ok {
		return auth.AuthenticatedCloneURL(project.CloneURL)
	}
	return project.CloneURL, nil
}

// Merge asks the provider to merge mr at its current head.
func (r *Registry) Merge(ctx context.Context, project *models.Project, mr *models.MergeRequest) error {
	p, err := r.Lookup(project.Provider)
	if err != nil {
		return err
	}
	return p.AcceptMergeRequest(ctx, project.Owner, project.Name, mr.IID, mr.HeadSHA)
}

// DeleteRef removes a branch from the project's remote.
func (r *Registry) DeleteRef(ctx context.Context, project *models.Project, ref string) error {
	p, err := r.Lookup(project.Provider)
	if err != nil {
		return err
	}
	return p.DeleteBranch(ctx, project.Owner, project.Name, ref)
}

// Comment posts a note on mr.
func (r *Registry) Comment(ctx context.Context, project *models.Project, mr *models.MergeRequest, body string) error {
	p, err := r.Lookup(project.Provider)
	if err != nil {
		return err
	}
	return p.PostComment(ctx, project.Owner, project.Name, mr.IID, body)
}

// List returns all configured provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
