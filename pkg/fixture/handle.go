package fixture

import (
	"context"
	"errors"
	"fmt"

	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// Port is a published container port; see probe.Port.
type Port = probe.Port

var (
	// ErrNotReady is returned by lookups on an environment that is not
	// between a successful Start and Stop.
	ErrNotReady = errors.New("environment is not ready")

	// ErrUnknownService is returned for a service the topology does not
	// declare.
	ErrUnknownService = errors.New("unknown service")

	// ErrPortNotMapped is returned for a container port without a host
	// binding.
	ErrPortNotMapped = errors.New("port not mapped")

	// ErrStartup wraps every error returned by a failed Start.
	ErrStartup = errors.New("environment startup failed")

	// ErrAlreadyStarted is returned by Start on an environment that has
	// been started before. Environments are single use.
	ErrAlreadyStarted = errors.New("environment already started")
)

// Container is the handle to one running service. Values stay usable
// only while the environment is ready; afterwards lookups fail with
// ErrNotReady.
type Container struct {
	env   *Environment
	eng   engine
	name  string
	id    string
	host  string
	ports []Port
}

func newContainer(env *Environment, eng engine, info model.ContainerInfo) *Container {
	// Ports published on every interface are reached through the daemon
	// host. For a local daemon that is 127.0.0.1, for a remote one its
	// address.
	hostIP := eng.HostIP()
	ports := make([]Port, 0, len(info.Ports))
	seen := make(map[string]bool, len(info.Ports))
	for _, p := range info.Ports {
		// Docker lists IPv4 and IPv6 bindings separately; keep the first.
		key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Protocol)
		if seen[key] {
			continue
		}
		seen[key] = true
		ports = append(ports, Port{
			IP:       docker.BindingHostIP(p.IP, hostIP),
			Internal: p.PrivatePort,
			External: p.PublicPort,
			Protocol: p.Protocol,
		})
	}
	return &Container{
		env:   env,
		eng:   eng,
		name:  info.ServiceName,
		id:    info.ContainerID,
		host:  hostIP,
		ports: ports,
	}
}

// Name returns the compose service name.
func (c *Container) Name() string { return c.name }

// ID returns the Docker container ID.
func (c *Container) ID() string { return c.id }

// Host returns the address published ports are reachable on.
func (c *Container) Host() string { return c.host }

// Port returns the host binding of a container port. TCP is preferred
// when the same number is published for both protocols.
func (c *Container) Port(internal int) (Port, error) {
	if err := c.env.checkReady(); err != nil {
		return Port{}, err
	}
	p, ok := probe.FindPort(c.target(), internal)
	if !ok {
		return Port{}, fmt.Errorf("%w: service %q port %d", ErrPortNotMapped, c.name, internal)
	}
	return p, nil
}

// Ports returns every published port, ordered by container port.
func (c *Container) Ports() ([]Port, error) {
	if err := c.env.checkReady(); err != nil {
		return nil, err
	}
	// A copy, so callers cannot reorder the handle's own slice under
	// concurrent lookups.
	return append([]Port(nil), c.ports...), nil
}

// Logs returns what the container has logged so far.
func (c *Container) Logs(ctx context.Context) (string, error) {
	if err := c.env.checkReady(); err != nil {
		return "", err
	}
	return c.target().Logs(ctx)
}

// target exposes the container to probes without the readiness check:
// probes run while the environment is still starting.
func (c *Container) target() probe.Target {
	return containerTarget{c}
}

type containerTarget struct {
	c *Container
}

func (t containerTarget) Name() string       { return t.c.name }
func (t containerTarget) Host() string       { return t.c.host }
func (t containerTarget) Ports() []probe.Port { return t.c.ports }

func (t containerTarget) Logs(ctx context.Context) (string, error) {
	data, err := t.c.eng.Logs(ctx, t.c.id)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t containerTarget) HealthStatus(ctx context.Context) (string, error) {
	return t.c.eng.HealthStatus(ctx, t.c.id)
}
