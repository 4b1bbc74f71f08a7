// Package container inspects and controls the Docker Compose services a
// deployment session brings up.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"

	stopTimeoutSecs = 10
)

// ErrServiceNotFound is returned when no container backs a compose service.
var ErrServiceNotFound = errors.New("compose service not found")

// Service is one container of a compose project.
type Service struct {
	Project     string `json:"project"`
	Name        string `json:"service"`
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
	State       string `json:"state"`
	Status      string `json:"status"`
}

// Running reports whether the service container is up.
func (s Service) Running() bool {
	return s.State == "running"
}

// Inspector reads and stops compose services.
type Inspector interface {
	// ListServices lists all containers of a compose project, running or not.
	ListServices(ctx context.Context, project string) ([]Service, error)

	// ServiceStatus returns the container backing one service.
	ServiceStatus(ctx context.Context, project, service string) (Service, error)

	// StopService stops and removes a service container.
	StopService(ctx context.Context, project, service string) error
}

// containerAPI is the subset of the Docker client the inspector uses.
type containerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerInspector implements Inspector using the Docker API.
type DockerInspector struct {
	cli containerAPI
}

// NewDockerInspector creates a Docker-backed inspector from the environment.
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "host", cli.DaemonHost())
	return &DockerInspector{cli: cli}, nil
}

// ListServices lists all containers of a compose project, running or not.
func (d *DockerInspector) ListServices(ctx context.Context, project string) ([]Service, error) {
	args := filters.NewArgs(filters.Arg("label", projectLabel+"="+project))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers for project %s: %w", project, err)
	}

	services := make([]Service, 0, len(summaries))
	for _, s := range summaries {
		services = append(services, toService(s))
	}
	slices.SortFunc(services, func(a, b Service) int {
		return strings.Compare(a.Name, b.Name)
	})
	return services, nil
}

// ServiceStatus returns the container backing one service.
func (d *DockerInspector) ServiceStatus(ctx context.Context, project, service string) (Service, error) {
	args := filters.NewArgs(
		filters.Arg("label", projectLabel+"="+project),
		filters.Arg("label", serviceLabel+"="+service),
	)
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return Service{}, fmt.Errorf("inspect service %s/%s: %w", project, service, err)
	}
	if len(summaries) == 0 {
		return Service{}, fmt.Errorf("%w: %s/%s", ErrServiceNotFound, project, service)
	}
	return toService(summaries[0]), nil
}

// StopService stops and removes a service container.
// It is idempotent and handles concurrent calls gracefully.
func (d *DockerInspector) StopService(ctx context.Context, project, service string) error {
	svc, err := d.ServiceStatus(ctx, project, service)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			slog.Debug("Service already removed", "project", project, "service", service)
			return nil
		}
		return err
	}

	slog.Info("Stopping service", "project", project, "service", service, "container_id", svc.ContainerID)

	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, svc.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", svc.ContainerID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", svc.ContainerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", svc.ContainerID, "error", err)
		}
	}

	if err := d.cli.ContainerRemove(ctx, svc.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", svc.ContainerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", svc.ContainerID, err)
	}

	slog.Info("Service stopped and removed", "project", project, "service", service)
	return nil
}

func toService(s container.Summary) Service {
	name := s.Labels[serviceLabel]
	if name == "" && len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	return Service{
		Project:     s.Labels[projectLabel],
		Name:        name,
		ContainerID: s.ID,
		Image:       s.Image,
		State:       string(s.State),
		Status:      s.Status,
	}
}
