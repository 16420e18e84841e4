package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/docker"
	"github.com/drewdunne/conductor/internal/logfield"
	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/provider"
)

// Containers is the subset of the Docker client the runner needs.
type Containers interface {
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectState(ctx context.Context, idOrName string) (*docker.ContainerState, error)
	LogTail(ctx context.Context, id string, lines int) (string, error)
}

const failureLogLines = 50

// Worktrees checks refs out for containers to build.
type Worktrees interface {
	CreateWorktree(ctx context.Context, project *models.Project, ref, id string) (string, error)
	RemoveWorktree(ctx context.Context, project *models.Project, path string) error
}

// ContainerConfig holds the defaults for container pipelines. A repository
// can override Image and Command in its .conductor/config.yaml.
type ContainerConfig struct {
	Image   string
	Command []string
	Timeout time.Duration
	Network string
}

type pipelineRun struct {
	pipeline    models.Pipeline
	project     *models.Project
	containerID string
	worktree    string
	startedAt   time.Time
}

// ContainerRunner runs each pipeline as a container over a worktree of the
// train ref.
type ContainerRunner struct {
	containers Containers
	worktrees  Worktrees
	cfg        ContainerConfig
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	nextID int64
	runs   map[int64]*pipelineRun
}

// NewContainerRunner creates a container runner.
func NewContainerRunner(containers Containers, worktrees Worktrees, cfg ContainerConfig, logger *zap.Logger) *ContainerRunner {
	return &ContainerRunner{
		containers: containers,
		worktrees:  worktrees,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
		now:        time.Now,
		nextID:     time.Now().UnixMilli(),
		runs:       make(map[int64]*pipelineRun),
	}
}

func containerName(id int64) string {
	return "conductor-pipeline-" + strconv.FormatInt(id, 10)
}

// Create checks req.Ref out and starts the CI container on it.
func (r *ContainerRunner) Create(ctx context.Context, req Request) (*models.Pipeline, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	path, err := r.worktrees.CreateWorktree(ctx, req.Project, req.Ref, fmt.Sprintf("pipeline-%d", id))
	if err != nil {
		return nil, fmt.Errorf("preparing worktree: %w", err)
	}
	cleanup := func() {
		if err := r.worktrees.RemoveWorktree(context.WithoutCancel(ctx), req.Project, path); err != nil {
			r.logger.Warn("removing worktree", zap.String("path", path), zap.Error(err))
		}
	}

	image, command, err := r.resolve(ctx, req.Project, path)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := r.containers.PullImage(ctx, image); err != nil {
		cleanup()
		return nil, fmt.Errorf("pulling %s: %w", image, err)
	}

	containerID, err := r.containers.CreateContainer(ctx, docker.ContainerConfig{
		Name:    containerName(id),
		Image:   image,
		WorkDir: "/workspace",
		Mounts:  []docker.Mount{{Source: path, Target: "/workspace"}},
		Env: []string{
			"CI=true",
			"CI_PIPELINE_ID=" + strconv.FormatInt(id, 10),
			"CI_COMMIT_REF_NAME=" + req.Ref,
			"CI_COMMIT_SHA=" + req.SHA,
			"CI_PROJECT_PATH=" + req.Project.FullName(),
		},
		Labels: map[string]string{
			"conductor.pipeline": strconv.FormatInt(id, 10),
			"conductor.project":  req.Project.FullName(),
			"conductor.ref":      req.Ref,
		},
		Cmd:         command,
		NetworkMode: r.cfg.Network,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := r.containers.StartContainer(ctx, containerID); err != nil {
		_ = r.containers.RemoveContainer(context.WithoutCancel(ctx), containerID, true)
		cleanup()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	now := r.now()
	p := models.Pipeline{
		ID:        id,
		ProjectID: req.Project.ID,
		Ref:       req.Ref,
		SHA:       req.SHA,
		Status:    models.PipelineRunning,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.runs[id] = &pipelineRun{pipeline: p, project: req.Project, containerID: containerID, worktree: path, startedAt: now}
	r.mu.Unlock()

	r.logger.Info("pipeline started", logfield.PipelineID(id), logfield.Ref(req.Ref), zap.String("image", image))
	return &p, nil
}

// resolve picks the image and command, letting the checked-out repository
// override the configured defaults.
func (r *ContainerRunner) resolve(ctx context.Context, project *models.Project, worktree string) (string, []string, error) {
	repoCfg, err := config.LoadRepoConfig(ctx, dirReader(worktree), project.Owner, project.Name, "")
	if err != nil {
		return "", nil, err
	}
	image := r.cfg.Image
	if repoCfg.Train.Image != "" {
		image = repoCfg.Train.Image
	}
	command := r.cfg.Command
	if len(repoCfg.Train.Command) > 0 {
		command = repoCfg.Train.Command
	}
	if image == "" {
		return "", nil, errors.New("no pipeline image configured")
	}
	return image, command, nil
}

// Status reports the pipeline's state, finishing it once the container
// exits or runs past the timeout.
func (r *ContainerRunner) Status(ctx context.Context, project *models.Project, id int64) (*models.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %d: %w", id, ErrNotFound)
	}
	if run.pipeline.Status.Finished() {
		p := run.pipeline
		return &p, nil
	}

	state, err := r.containers.InspectState(ctx, run.containerID)
	switch {
	case docker.IsNotFound(err):
		r.finish(ctx, run, models.PipelineFailed)
	case err != nil:
		return nil, err
	case state.Running:
		if r.cfg.Timeout > 0 && r.now().Sub(run.startedAt) > r.cfg.Timeout {
			r.logger.Warn("pipeline timed out",
				logfield.PipelineID(id),
				zap.Duration("timeout", r.cfg.Timeout),
				zap.String("output", r.output(ctx, run)),
			)
			_ = r.containers.StopContainer(ctx, run.containerID, 10)
			r.finish(ctx, run, models.PipelineFailed)
		}
	case state.Status == "created":
		run.pipeline.Status = models.PipelinePending
	case state.ExitCode == 0:
		r.finish(ctx, run, models.PipelineSuccess)
	default:
		r.logger.Info("pipeline failed",
			logfield.PipelineID(id),
			zap.Int("exit_code", state.ExitCode),
			zap.String("output", r.output(ctx, run)),
		)
		r.finish(ctx, run, models.PipelineFailed)
	}

	p := run.pipeline
	return &p, nil
}

// output is the tail of the container's log, or "" if it cannot be read.
func (r *ContainerRunner) output(ctx context.Context, run *pipelineRun) string {
	tail, err := r.containers.LogTail(ctx, run.containerID, failureLogLines)
	if err != nil {
		r.logger.Debug("reading pipeline output", logfield.PipelineID(run.pipeline.ID), zap.Error(err))
		return ""
	}
	return tail
}

// Cancel stops a running pipeline.
func (r *ContainerRunner) Cancel(ctx context.Context, project *models.Project, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return fmt.Errorf("pipeline %d: %w", id, ErrNotFound)
	}
	if run.pipeline.Status.Finished() {
		return ErrAlreadyFinished
	}
	if err := r.containers.StopContainer(ctx, run.containerID, 10); err != nil && !docker.IsNotFound(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	r.finish(ctx, run, models.PipelineCanceled)
	return nil
}

// finish records the terminal status and releases the container and
// worktree. Callers hold r.mu.
func (r *ContainerRunner) finish(ctx context.Context, run *pipelineRun, status models.PipelineStatus) {
	run.pipeline.Status = status
	run.pipeline.UpdatedAt = r.now()

	ctx = context.WithoutCancel(ctx)
	if err := r.containers.RemoveContainer(ctx, run.containerID, true); err != nil && !docker.IsNotFound(err) {
		r.logger.Warn("removing container", logfield.PipelineID(run.pipeline.ID), zap.Error(err))
	}
	if err := r.worktrees.RemoveWorktree(ctx, run.project, run.worktree); err != nil {
		r.logger.Warn("removing worktree", logfield.PipelineID(run.pipeline.ID), zap.Error(err))
	}
}

// dirReader reads repository files from a checked-out worktree.
type dirReader string

func (d dirReader) ReadFile(_ context.Context, _, _, path, _ string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(string(d), filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, provider.ErrFileNotFound
	}
	return data, err
}
