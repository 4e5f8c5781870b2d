package testutils

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerClient wraps the Docker client with the few calls needed to run throwaway
// datastore containers in tests.
type DockerClient struct {
	client *client.Client
}

// NewDockerClient creates a client configured from the environment.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerClient{client: cli}, nil
}

// Close releases the transport resources of the client.
func (d *DockerClient) Close() error {
	return d.client.Close()
}

// Ping reports whether the Docker daemon answers.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// PullImage pulls imageName unless it is already present locally.
func (d *DockerClient) PullImage(ctx context.Context, imageName string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("reference", imageName),
		),
	})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	if len(images) == 0 {
		reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image: %w", err)
		}
		defer reader.Close()

		// consume the image pull output to make sure it's done
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("consume image pull output: %w", err)
		}
	}

	return nil
}

// RunContainer creates and starts a container, and returns its inspection data.
func (d *DockerClient) RunContainer(
	ctx context.Context, containerCfg *container.Config, hostCfg *container.HostConfig, containerName string,
) (*container.InspectResponse, error) {
	cont, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create %s container: %w", containerName, err)
	}

	if err := d.client.ContainerStart(ctx, cont.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start %s container: %w", containerName, err)
	}

	inspect, err := d.client.ContainerInspect(ctx, cont.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect %s container: %w", containerName, err)
	}

	return &inspect, nil
}

// StopContainer stops containerID. A container that is already gone is not an error.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSec := int(timeout.Seconds())
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// ExecCommand runs a command in containerID and fails unless it exits with zero.
func (d *DockerClient) ExecCommand(ctx context.Context, containerID string, execConfig container.ExecOptions) error {
	exec, err := d.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return fmt.Errorf("failed to create exec for command %v: %w", execConfig.Cmd, err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to execute command %v: %w", execConfig.Cmd, err)
	}
	// wait for the command to finish
	_, _ = io.Copy(io.Discard, resp.Reader)
	resp.Close()

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect exec %v: %w", execConfig.Cmd, err)
	}

	if inspect.ExitCode != 0 {
		return fmt.Errorf("command %v completed with exit code %d", execConfig.Cmd, inspect.ExitCode)
	}

	return nil
}

// HostPort returns the host port published for port by a container started with
// PublishAllPorts.
func HostPort(inspect *container.InspectResponse, port nat.Port) (string, error) {
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", inspect.ID)
	}
	bindings, ok := inspect.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("container %s does not publish %s", inspect.ID, port)
	}
	return bindings[0].HostPort, nil
}
