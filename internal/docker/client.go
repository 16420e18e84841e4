// Package docker wraps the Docker Engine API for running CI containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the Docker client with convenience methods.
type Client struct {
	cli *client.Client
}

// NewClient creates a client from the DOCKER_* environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// ImageExists checks if an image exists locally.
func (c *Client) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageName)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// PullImage pulls an image unless it is already present.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	exists, err := c.ImageExists(ctx, imageName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	User        string
	WorkDir     string
	Mounts      []Mount
	Env         []string
	Labels      map[string]string
	Cmd         []string
	NetworkMode string
}

// Mount represents a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateContainer creates a container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostConfig := &container.HostConfig{Mounts: mounts}
	if cfg.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(cfg.NetworkMode)
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			User:       cfg.User,
			WorkingDir: cfg.WorkDir,
			Env:        cfg.Env,
			Labels:     cfg.Labels,
			Cmd:        cfg.Cmd,
		},
		hostConfig,
		nil, nil, cfg.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

// StopContainer stops a container, killing it after timeout seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	t := timeout
	return c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &t})
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

// ContainerState is the run state of a container.
type ContainerState struct {
	Status     string // created, running, exited, ...
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// InspectState returns the state of the container with the given ID or name.
// A missing container yields an error for which IsNotFound is true.
func (c *Client) InspectState(ctx context.Context, idOrName string) (*ContainerState, error) {
	resp, err := c.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if resp.State == nil {
		return &ContainerState{}, nil
	}

	st := &ContainerState{
		Status:   string(resp.State.Status),
		Running:  resp.State.Running,
		ExitCode: resp.State.ExitCode,
	}
	st.StartedAt, _ = time.Parse(time.RFC3339Nano, resp.State.StartedAt)
	st.FinishedAt, _ = time.Parse(time.RFC3339Nano, resp.State.FinishedAt)
	return st, nil
}

// LogTail returns the last lines of a container's stdout and stderr,
// interleaved as the container wrote them.
func (c *Client) LogTail(ctx context.Context, id string, lines int) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("reading logs: %w", err)
	}
	defer rc.Close()

	// Containers run without a TTY, so the stream is multiplexed.
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("demultiplexing logs: %w", err)
	}
	return out.String(), nil
}

// IsNotFound reports whether err says a container or image does not exist.
func IsNotFound(err error) bool {
	return client.IsErrNotFound(err)
}
