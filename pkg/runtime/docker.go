package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/codeharbor/codeharbor/pkg/failure"
	"github.com/codeharbor/codeharbor/pkg/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// DefaultSocketPath is the default Docker Engine socket
	DefaultSocketPath = "/var/run/docker.sock"
)

// DockerRuntime talks to the Docker Engine API. Every method returns either
// the engine's result or a *failure.Error tagged with the operation. There
// are no retries here; callers decide.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a Docker client for the given unix socket path
func NewDockerRuntime(socketPath string) (*DockerRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, failure.New(failure.Docker, fmt.Errorf("failed to create docker client: %w", err))
	}

	return &DockerRuntime{client: cli}, nil
}

// Close closes the Docker client connection
func (r *DockerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks that the engine is reachable
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return failure.New(failure.Docker, err)
	}
	return nil
}

// Create creates a container and returns its ID
func (r *DockerRuntime) Create(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", failure.New(failure.ContainerCreate, fmt.Errorf("create %s: %w", name, err))
	}
	return resp.ID, nil
}

// Start starts a created or stopped container
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return failure.New(failure.ContainerStart, err)
	}
	return nil
}

// Stop stops a running container with the engine's default grace period
func (r *DockerRuntime) Stop(ctx context.Context, id string) error {
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return failure.New(failure.ContainerStop, err)
	}
	return nil
}

// Remove removes a container and its anonymous volumes
func (r *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return failure.New(failure.ContainerRemove, err)
	}
	return nil
}

// Inspect returns the low-level container description. A container the
// engine does not know about yields failure.ContainerNotFound.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (container.InspectResponse, error) {
	info, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return info, failure.New(failure.ContainerNotFound, err)
		}
		return info, failure.New(failure.ContainerInspect, err)
	}
	return info, nil
}

// Wait blocks until the container stops and returns its exit code
func (r *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, failure.New(failure.ContainerWait, errors.New(status.Error.Message))
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, failure.New(failure.ContainerWait, err)
	case <-ctx.Done():
		return -1, failure.New(failure.ContainerWait, ctx.Err())
	}
}

// Logs returns the container's demultiplexed stdout. tail limits the number
// of lines ("all" or a count).
func (r *DockerRuntime) Logs(ctx context.Context, id string, tail string) (string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, Tail: tail})
	if err != nil {
		return "", failure.New(failure.ContainerLogs, err)
	}
	defer rc.Close()

	var stdout bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, io.Discard, rc); err != nil {
		return "", failure.New(failure.ContainerLogs, err)
	}
	return stdout.String(), nil
}

// Stats returns a single stats sample including the previous CPU reading
func (r *DockerRuntime) Stats(ctx context.Context, id string) (container.StatsResponse, error) {
	var stats container.StatsResponse

	resp, err := r.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return stats, failure.New(failure.ContainerStats, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, failure.New(failure.ContainerStats, fmt.Errorf("decode stats: %w", err))
	}
	return stats, nil
}

// GetArchive returns a tar stream of path inside the container
func (r *DockerRuntime) GetArchive(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, failure.New(failure.ContainerArchive, err)
	}
	return rc, nil
}

// BuildImage submits a build context (tar, optionally gzipped) and streams
// each output line to onLine. An error message in the stream fails the build.
func (r *DockerRuntime) BuildImage(ctx context.Context, buildContext io.Reader, tags []string, onLine func(string)) error {
	resp, err := r.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        tags,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return failure.New(failure.ImageBuild, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return failure.New(failure.ImageBuild, fmt.Errorf("decode build output: %w", err))
		}
		if msg.Error != nil {
			return failure.New(failure.ImageBuild, errors.New(msg.Error.Message))
		}
		if onLine != nil && msg.Stream != "" {
			sc := bufio.NewScanner(strings.NewReader(msg.Stream))
			for sc.Scan() {
				if line := strings.TrimSpace(sc.Text()); line != "" {
					onLine(line)
				}
			}
		}
	}
}

// ListAll lists every container, running or not
func (r *DockerRuntime) ListAll(ctx context.Context) ([]types.ContainerSummary, error) {
	list, err := r.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, failure.New(failure.ContainersList, err)
	}

	out := make([]types.ContainerSummary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, types.ContainerSummary{
			ID:    c.ID,
			Name:  name,
			State: types.ContainerState(c.State),
		})
	}
	return out, nil
}

// ImageLabels returns the labels of a local image
func (r *DockerRuntime) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	info, err := r.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, failure.New(failure.ImageInspect, err)
	}
	if info.Config == nil {
		return map[string]string{}, nil
	}
	return info.Config.Labels, nil
}
