package docker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// Runtime binds a Docker client and a compose project together. It is the
// concrete engine behind a fixture environment: every call is scoped to
// the one project it was created for.
type Runtime struct {
	client  *Client
	compose *Compose

	// override is the generated label file. Close removes it.
	override string

	logger hclog.Logger
}

// RuntimeConfig describes the project a Runtime manages.
type RuntimeConfig struct {
	// Project is the compose project name.
	Project string

	// Files are the user's compose files, in merge order.
	Files []string

	// Services receive the compose-fixture labels through the override.
	Services []string

	Logger hclog.Logger
}

// NewRuntime connects to Docker and prepares the label override for the
// project. No container is touched until Up.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	// Step 1: Connect to the daemon. Ping happens later, under the
	// caller's context.
	cli, err := NewClient()
	if err != nil {
		return nil, err
	}

	// Step 2: Write an override file that puts the compose-fixture labels
	// on every service. The labels are what lets `ps` and `prune` find
	// the project later, even after this process died.
	data, err := GenerateOverride(cfg.Project, cfg.Services, BuildLabels(time.Now(), os.Getpid()))
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	override, err := WriteOverride(cfg.Project, data)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	// Step 3: The override goes last so its labels merge into each
	// service without replacing the user's own labels.
	files := append(append([]string(nil), cfg.Files...), override)
	compose := NewCompose(cfg.Project, files)
	// The override lives in a temp dir; relative paths in the user's
	// files still resolve against the first user file.
	if len(cfg.Files) > 0 {
		compose.ProjectDir = filepath.Dir(cfg.Files[0])
	}

	logger.Debug("prepared compose project", "project", cfg.Project, "override", override)

	return &Runtime{
		client:   cli,
		compose:  compose,
		override: override,
		logger:   logger,
	}, nil
}

// Project returns the compose project name.
func (r *Runtime) Project() string {
	return r.compose.ProjectName
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Pull fetches every image of the project before anything starts.
func (r *Runtime) Pull(ctx context.Context) error {
	r.logger.Info("pulling images", "project", r.Project())
	return r.compose.Pull(ctx)
}

// Up starts services without their dependencies; the caller orders them.
func (r *Runtime) Up(ctx context.Context, services []string) error {
	r.logger.Debug("compose up", "project", r.Project(), "services", services)
	return r.compose.Up(ctx, services)
}

func (r *Runtime) Stop(ctx context.Context, services []string) error {
	r.logger.Debug("compose stop", "project", r.Project(), "services", services)
	return r.compose.Stop(ctx, services)
}

// Down removes the whole project.
func (r *Runtime) Down(ctx context.Context, removeVolumes bool) error {
	r.logger.Debug("compose down", "project", r.Project(), "volumes", removeVolumes)
	return r.compose.Down(ctx, removeVolumes)
}

// Containers lists the project's containers.
func (r *Runtime) Containers(ctx context.Context) ([]model.ContainerInfo, error) {
	return ListProjectContainers(ctx, r.client, r.Project())
}

func (r *Runtime) Logs(ctx context.Context, containerID string) ([]byte, error) {
	return ContainerLogs(ctx, r.client, containerID)
}

func (r *Runtime) HealthStatus(ctx context.Context, containerID string) (string, error) {
	return HealthStatus(ctx, r.client, containerID)
}

// HostIP returns the daemon host address; see DaemonHostIP.
func (r *Runtime) HostIP() string {
	return r.client.HostIP()
}

// SaveLogs writes every project container's logs into dir.
func (r *Runtime) SaveLogs(ctx context.Context, dir string) ([]string, error) {
	containers, err := r.Containers(ctx)
	if err != nil {
		return nil, err
	}
	return SaveLogs(ctx, r.client, containers, dir)
}

// Close removes the override file and closes the Docker client. Call it
// after Down; the override must exist for as long as compose needs it.
func (r *Runtime) Close() error {
	if r.override != "" {
		_ = os.RemoveAll(filepath.Dir(r.override))
	}
	return r.client.Close()
}
