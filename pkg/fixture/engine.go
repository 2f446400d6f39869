package fixture

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// engine is what the lifecycle needs from Docker, scoped to one compose
// project. *docker.Runtime implements it.
//
// Tests substitute a fake through engineFactory, which is why the
// lifecycle never calls package docker directly.
type engine interface {
	// Ping fails when the daemon is unreachable.
	Ping(ctx context.Context) error

	// Pull fetches the images of every service.
	Pull(ctx context.Context) error

	// Up starts the given services and nothing else; dependencies
	// are the caller's business.
	Up(ctx context.Context, services []string) error
	Stop(ctx context.Context, services []string) error

	// Down removes the project's containers and networks.
	Down(ctx context.Context, removeVolumes bool) error

	// Containers lists the project's containers, running or not.
	Containers(ctx context.Context) ([]model.ContainerInfo, error)
	Logs(ctx context.Context, containerID string) ([]byte, error)
	HealthStatus(ctx context.Context, containerID string) (string, error)
	SaveLogs(ctx context.Context, dir string) ([]string, error)

	// HostIP is where published ports are reachable from this process.
	HostIP() string

	// Close releases the client. The engine is unusable afterwards.
	Close() error
}

// engineConfig is what an engine needs to know about the project.
type engineConfig struct {
	project  string
	files    []string
	services []string
	logger   hclog.Logger
}

var _ engine = (*docker.Runtime)(nil)

// newDockerEngine is the default engineFactory.
func newDockerEngine(_ context.Context, cfg engineConfig) (engine, error) {
	rt, err := docker.NewRuntime(docker.RuntimeConfig{
		Project:  cfg.project,
		Files:    cfg.files,
		Services: cfg.services,
		Logger:   cfg.logger,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
