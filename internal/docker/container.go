// container.go implements the read side of the Docker integration: which
// containers belong to a compose project, which host ports they publish,
// whether their healthcheck passes, and what they have logged.
//
// Everything is derived from Docker labels. compose-fixture keeps no state
// of its own outside the running process, so `ps` and `prune` work for
// environments started by another process.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	// types.Container is the struct returned by ContainerList.
	"github.com/docker/docker/api/types"

	// container package provides ListOptions and LogsOptions.
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	// stdcopy demultiplexes the stdout/stderr stream of non-TTY containers.
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hashicorp/go-multierror"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// Health status values reported by ContainerInspect.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"

	// HealthNone is returned for containers without a healthcheck.
	HealthNone = "none"
)

// ListProjectContainers returns every container of one compose project,
// including stopped ones. One-off `docker compose run` containers are
// excluded because they are not part of the topology.
func ListProjectContainers(ctx context.Context, cli *Client, project string) ([]model.ContainerInfo, error) {
	return listContainers(ctx, cli, ProjectFilter(project))
}

// ListManagedContainers returns every container started by compose-fixture,
// across all projects. Used by `ps` and `prune`.
func ListManagedContainers(ctx context.Context, cli *Client) ([]model.ContainerInfo, error) {
	return listContainers(ctx, cli, ManagedFilter())
}

func listContainers(ctx context.Context, cli *Client, filterArgs filters.Args) ([]model.ContainerInfo, error) {
	// All includes exited containers: a service that crashed during
	// startup must still show up so its logs can be saved.
	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if IsOneOff(c.Labels) {
			continue
		}
		result = append(result, containerToInfo(c))
	}

	sortContainers(result)
	return result, nil
}

// containerToInfo converts a Docker API Container struct to our domain
// model ContainerInfo. This is a pure mapping function with no side effects.
//
// The Docker API returns container names with a leading "/" prefix, which
// is stripped. Ports without a public binding (exposed but not published)
// are dropped.
func containerToInfo(c types.Container) model.ContainerInfo {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	ports := make([]model.PortMapping, 0, len(c.Ports))
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		proto := p.Type
		if proto == "" {
			proto = "tcp"
		}
		ports = append(ports, model.PortMapping{
			IP:          p.IP,
			PrivatePort: int(p.PrivatePort),
			PublicPort:  int(p.PublicPort),
			Protocol:    proto,
		})
	}

	// Docker reports one entry per address family; IPv4 first keeps
	// lookups returning the IPv4 binding when both exist.
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].PrivatePort != ports[j].PrivatePort {
			return ports[i].PrivatePort < ports[j].PrivatePort
		}
		return !strings.Contains(ports[i].IP, ":") && strings.Contains(ports[j].IP, ":")
	})

	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		ServiceName:   c.Labels[LabelComposeService],
		Status:        c.State,
		Labels:        c.Labels,
		Ports:         ports,
	}
}

// sortContainers orders by service, then replica number.
func sortContainers(containers []model.ContainerInfo) {
	sort.SliceStable(containers, func(i, j int) bool {
		if containers[i].ServiceName != containers[j].ServiceName {
			return containers[i].ServiceName < containers[j].ServiceName
		}
		return ContainerNumber(containers[i].Labels) < ContainerNumber(containers[j].Labels)
	})
}

// GroupContainersByService groups a project's containers by their compose
// service. Containers without a service label are skipped.
func GroupContainersByService(containers []model.ContainerInfo) map[string][]model.ContainerInfo {
	groups := make(map[string][]model.ContainerInfo)
	for _, c := range containers {
		if c.ServiceName == "" {
			continue
		}
		groups[c.ServiceName] = append(groups[c.ServiceName], c)
	}
	return groups
}

// GroupContainersByProject groups containers by compose project name.
// Containers without a project label are skipped.
func GroupContainersByProject(containers []model.ContainerInfo) map[string][]model.ContainerInfo {
	groups := make(map[string][]model.ContainerInfo)
	for _, c := range containers {
		project := c.Labels[LabelComposeProject]
		if project == "" {
			continue
		}
		groups[project] = append(groups[project], c)
	}
	return groups
}

// ProjectStatus summarizes a project's containers: "running" when all
// are running, "partial" when some are, otherwise "stopped".
func ProjectStatus(containers []model.ContainerInfo) string {
	running := 0
	for _, c := range containers {
		if c.IsRunning() {
			running++
		}
	}
	switch {
	case running == 0:
		return "stopped"
	case running == len(containers):
		return "running"
	default:
		return "partial"
	}
}

// HealthStatus returns the healthcheck status of a container, or
// HealthNone if the image and compose file declare no healthcheck.
func HealthStatus(ctx context.Context, cli *Client, containerID string) (string, error) {
	info, err := cli.Inner().ContainerInspect(ctx, containerID)
	if err != nil {
		return "", model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to inspect container %q", containerID),
			err,
		)
	}
	if info.ContainerJSONBase == nil || info.State == nil || info.State.Health == nil {
		return HealthNone, nil
	}
	return info.State.Health.Status, nil
}

// ContainerLogs returns the combined stdout and stderr of a container.
//
// Non-TTY containers multiplex both streams with 8-byte frame headers,
// which stdcopy strips. TTY containers send a raw stream; when demuxing
// fails the raw bytes are returned instead.
func ContainerLogs(ctx context.Context, cli *Client, containerID string) ([]byte, error) {
	rc, err := cli.Inner().ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to read logs of container %q", containerID),
			err,
		)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %q: %w", containerID, err)
	}
	return demuxLogs(raw), nil
}

// demuxLogs strips stdcopy framing, falling back to raw for TTY output.
func demuxLogs(raw []byte) []byte {
	var out bytes.Buffer
	// StdCopy silently drops a trailing fragment shorter than a frame
	// header, so empty output from non-empty input also means raw.
	if _, err := stdcopy.StdCopy(&out, &out, bytes.NewReader(raw)); err != nil || (out.Len() == 0 && len(raw) > 0) {
		return raw
	}
	return out.Bytes()
}

// LogFileName returns the file name a container's logs are saved under:
// "<service>.log" for the first replica, "<service>-<n>.log" otherwise.
func LogFileName(c model.ContainerInfo) string {
	service := c.ServiceName
	if service == "" {
		service = c.ContainerName
	}
	if n := ContainerNumber(c.Labels); n > 1 {
		return fmt.Sprintf("%s-%d.log", service, n)
	}
	return service + ".log"
}

// SaveLogs writes the logs of each container into dir, creating it if
// needed. It returns the paths written.
//
// A container whose logs cannot be read does not stop the others. Every
// failure is collected into a *multierror.Error returned alongside the
// paths that were written.
func SaveLogs(ctx context.Context, cli *Client, containers []model.ContainerInfo, dir string) ([]string, error) {
	return saveLogs(ctx, containers, dir, func(ctx context.Context, id string) ([]byte, error) {
		return ContainerLogs(ctx, cli, id)
	})
}

type logReader func(ctx context.Context, containerID string) ([]byte, error)

func saveLogs(ctx context.Context, containers []model.ContainerInfo, dir string, read logReader) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	var (
		written []string
		result  *multierror.Error
	)
	for _, c := range containers {
		data, err := read(ctx, c.ContainerID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to read logs of %s: %w", c.ContainerName, err))
			continue
		}
		path := filepath.Join(dir, LogFileName(c))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to write %s: %w", path, err))
			continue
		}
		written = append(written, path)
	}
	return written, result.ErrorOrNil()
}
