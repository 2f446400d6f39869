package fixture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/internal/port"
	"github.com/shinji-kodama/compose-fixture/internal/topology"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// teardownTimeout bounds a teardown that runs after Start failed, when
// the caller's context may already be done.
const teardownTimeout = 2 * time.Minute

// Environment is one compose project under test. It is single use:
// Start once, Stop once.
//
// Start and Stop are serialized. Lookups (Container, Port, Services) may
// run concurrently with each other and never wait for a Start or Stop in
// progress; they fail with ErrNotReady until Start has finished.
type Environment struct {
	settings *settings
	logger   hclog.Logger

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	// mu guards the fields below.
	mu         sync.RWMutex
	state      model.LifecycleState
	topology   *model.Topology
	levels     [][]string
	eng        engine
	containers map[string]*Container

	// upLevels counts the levels, from the first, that `up` was issued
	// for. Teardown stops only those.
	upLevels int
}

// New builds an environment from options. It does not contact Docker;
// nothing is created until Start.
func New(opts ...Option) (*Environment, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("invalid fixture option: %w", err)
		}
	}

	if len(s.files) == 0 {
		s.files = []string{config.DefaultComposeFile}
	}
	if s.project == "" {
		s.project = "fixture-" + uuid.NewString()[:8]
	}
	if s.logger == nil {
		s.logger = hclog.New(&hclog.LoggerOptions{
			Name:  "compose-fixture",
			Level: hclog.Info,
		})
	}

	return &Environment{
		settings: s,
		logger:   s.logger.With("project", s.project),
		state:    model.StateUnstarted,
	}, nil
}

// MustNew is New for package-level variables; it panics on invalid options.
func MustNew(opts ...Option) *Environment {
	env, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return env
}

// Project returns the compose project name.
func (e *Environment) Project() string {
	return e.settings.project
}

// State returns the current lifecycle state.
func (e *Environment) State() model.LifecycleState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Environment) setState(next model.LifecycleState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.CanTransitionTo(next) {
		// Start and Stop only request legal moves; reaching this is a bug.
		panic(fmt.Sprintf("fixture: illegal lifecycle transition %s -> %s", e.state, next))
	}
	e.logger.Debug("lifecycle transition", "from", e.state, "to", next)
	e.state = next
}

// Start brings the topology up and blocks until every probe has passed.
//
// Services start level by level in depends_on order. After each level,
// the probes of that level's services run in parallel; the next level
// starts only when all of them passed.
//
// If Start fails after any container was created, it tears everything
// down before returning, so a failed Start never leaks containers. The
// returned error wraps ErrStartup, and ErrNotReady from package probe
// when a probe timed out.
func (e *Environment) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.State() != model.StateUnstarted {
		return ErrAlreadyStarted
	}
	e.setState(model.StateStarting)

	if e.settings.startupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.startupTimeout)
		defer cancel()
	}

	started := time.Now()
	e.logger.Info("starting environment", "files", e.settings.files)

	upIssued, err := e.start(ctx)
	if err == nil {
		e.setState(model.StateReady)
		e.logger.Info("environment ready", "services", e.Services(), "elapsed", time.Since(started).Round(time.Millisecond))
		return nil
	}

	e.logger.Error("environment failed to start", "error", err)

	var result *multierror.Error
	result = multierror.Append(result, err)
	if upIssued {
		// The caller's context may be what failed; teardown must still run.
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		e.setState(model.StateTearingDown)
		if terr := e.teardown(tctx); terr != nil {
			result = multierror.Append(result, fmt.Errorf("cleanup after failed start: %w", terr))
		}
	} else {
		e.closeEngine()
	}
	e.setState(model.StateStopped)

	if len(result.Errors) == 1 {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	return fmt.Errorf("%w: %w", ErrStartup, result)
}

// start runs the startup steps. upIssued reports whether compose may have
// created containers, which decides whether a failure needs teardown.
func (e *Environment) start(ctx context.Context) (upIssued bool, err error) {
	// Step 1: Load the compose files and check that every wait names a
	// declared service. Nothing touches Docker until this has passed, so
	// a typo in a test's options costs no container.
	topo, err := topology.Load(e.settings.files...)
	if err != nil {
		return false, err
	}
	if err := e.checkWaits(topo); err != nil {
		return false, err
	}
	// Step 2: Order the services. A depends_on cycle fails here.
	levels, err := topology.Levels(topo)
	if err != nil {
		return false, err
	}

	// Step 3: Connect to Docker.
	eng, err := e.settings.newEngine(ctx, engineConfig{
		project:  e.settings.project,
		files:    topo.Files,
		services: topo.ServiceNames(),
		logger:   e.logger.Named("docker"),
	})
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.topology = topo
	e.levels = levels
	e.eng = eng
	e.mu.Unlock()

	if err := eng.Ping(ctx); err != nil {
		return false, err
	}

	// Step 4: Fixed host ports must be free before anything starts.
	// compose would otherwise fail half way through, after earlier levels
	// were already up. Ports of a remote daemon cannot be checked from
	// here.
	if e.settings.preflight && eng.HostIP() == "127.0.0.1" {
		if err := port.NewScanner().CheckPublished(topo); err != nil {
			return false, err
		}
	}
	// Step 5: Pull images up front, so the pull time is not counted
	// against the first level's probes.
	if e.settings.pull {
		if err := eng.Pull(ctx); err != nil {
			return false, err
		}
	}

	// Step 6: Bring the levels up one at a time. Each level's probes must
	// pass before the next level starts.
	for i, level := range levels {
		e.logger.Info("starting services", "level", i, "services", level)
		upIssued = true

		// A failed `up` may still have created some containers, so the
		// level counts as started before the call.
		e.mu.Lock()
		e.upLevels = i + 1
		e.mu.Unlock()

		if err := eng.Up(ctx, level); err != nil {
			return upIssued, err
		}
		containers, err := e.refresh(ctx, eng)
		if err != nil {
			return upIssued, err
		}
		if err := e.waitLevel(ctx, level, containers); err != nil {
			return upIssued, err
		}
	}

	// Final refresh: containers of earlier levels may have been recreated
	// by later `up` calls sharing their networks.
	if _, err := e.refresh(ctx, eng); err != nil {
		return upIssued, err
	}
	return upIssued, nil
}

// checkWaits rejects probes attached to services the topology lacks.
func (e *Environment) checkWaits(topo *model.Topology) error {
	var unknown []string
	for name := range e.settings.waits {
		if _, ok := topo.Service(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return model.NewCLIError(
		model.ExitInvalidConfig,
		fmt.Sprintf("waits reference services not in the topology: %v (declared: %v)", unknown, topo.ServiceNames()),
	)
}

// refresh re-reads the project's containers and rebuilds the handles.
func (e *Environment) refresh(ctx context.Context, eng engine) (map[string]*Container, error) {
	infos, err := eng.Containers(ctx)
	if err != nil {
		return nil, err
	}

	containers := make(map[string]*Container)
	for service, replicas := range docker.GroupContainersByService(infos) {
		// The lowest replica number comes first.
		containers[service] = newContainer(e, eng, replicas[0])
	}

	e.mu.Lock()
	e.containers = containers
	e.mu.Unlock()
	return containers, nil
}

// waitLevel runs the probes of one level's services in parallel.
func (e *Environment) waitLevel(ctx context.Context, level []string, containers map[string]*Container) error {
	for _, service := range level {
		if _, ok := containers[service]; !ok && len(e.settings.waits[service]) > 0 {
			return fmt.Errorf("service %q has no container after up", service)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, service := range level {
		c := containers[service]
		for _, w := range e.settings.waits[service] {
			policy := e.settings.policy
			if w.timeout > 0 {
				policy = policy.WithTimeout(w.timeout)
			}
			logger := e.logger.With("service", service, "probe", w.probe.String())
			policy.OnRetry = func(err error, next time.Duration) {
				logger.Debug("service not ready yet", "error", err, "retry_in", next)
			}

			g.Go(func() error {
				started := time.Now()
				if err := probe.Wait(gctx, w.probe, c.target(), policy); err != nil {
					return err
				}
				logger.Info("service ready", "elapsed", time.Since(started).Round(time.Millisecond))
				return nil
			})
		}
	}
	return g.Wait()
}

// Stop tears the environment down: it saves container logs, stops
// services in reverse dependency order, and removes the project.
//
// Only the first call after a successful Start does anything; later calls
// return nil. Stop on an environment that was never started marks it
// stopped, so a later Start fails with ErrAlreadyStarted.
func (e *Environment) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	switch e.State() {
	case model.StateUnstarted:
		e.setState(model.StateStopped)
		return nil
	case model.StateReady:
	default:
		return nil
	}

	e.setState(model.StateTearingDown)
	e.logger.Info("stopping environment")
	err := e.teardown(ctx)
	e.setState(model.StateStopped)
	if err != nil {
		e.logger.Error("teardown finished with errors", "error", err)
		return err
	}
	e.logger.Info("environment stopped")
	return nil
}

// teardown releases everything Start acquired. Every step runs even if an
// earlier one failed; all errors are returned together.
func (e *Environment) teardown(ctx context.Context) error {
	e.mu.RLock()
	eng := e.eng
	levels := e.levels[:e.upLevels]
	e.mu.RUnlock()

	if eng == nil {
		return nil
	}

	var result *multierror.Error

	// Step 1: Save logs first. `down` deletes the containers, and with
	// them the only copy of their output.
	if dir := e.settings.logDir; dir != "" {
		written, err := eng.SaveLogs(ctx, dir)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("saving logs: %w", err))
		}
		e.logger.Debug("saved container logs", "dir", dir, "files", len(written))
	}

	// Step 2: Stop what was started, dependents before their
	// dependencies, so no service sees a dependency vanish while it is
	// still serving.
	for _, level := range topology.Reverse(levels) {
		if err := eng.Stop(ctx, level); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %v: %w", level, err))
		}
	}

	// Step 3: Remove containers and networks, and volumes if asked. This
	// runs even when a stop failed.
	if err := eng.Down(ctx, e.settings.removeVolumes); err != nil {
		result = multierror.Append(result, fmt.Errorf("removing project: %w", err))
	}

	e.closeEngine()
	return result.ErrorOrNil()
}

// closeEngine releases the engine and drops every handle.
func (e *Environment) closeEngine() {
	e.mu.Lock()
	eng := e.eng
	e.eng = nil
	e.containers = nil
	e.mu.Unlock()

	if eng != nil {
		if err := eng.Close(); err != nil {
			e.logger.Warn("failed to close docker engine", "error", err)
		}
	}
}

func (e *Environment) checkReady() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != model.StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, e.state)
	}
	return nil
}

// Services returns the names of the running services, sorted.
func (e *Environment) Services() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.containers))
	for name := range e.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Container returns the handle of a running service.
func (e *Environment) Container(service string) (*Container, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.containers[service]
	if !ok {
		if _, declared := e.topology.Service(service); declared {
			return nil, fmt.Errorf("%w: service %q has no running container", ErrUnknownService, service)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return c, nil
}

// Port returns the host binding of a service's container port.
func (e *Environment) Port(service string, internal int) (Port, error) {
	c, err := e.Container(service)
	if err != nil {
		return Port{}, err
	}
	return c.Port(internal)
}

// IsNotReady reports whether err means a probe gave up on a service.
func IsNotReady(err error) bool {
	return errors.Is(err, probe.ErrNotReady)
}
