package fixture

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// Option configures an Environment.
type Option func(*settings) error

// serviceWait is a readiness probe attached to one service.
type serviceWait struct {
	probe   probe.Probe
	timeout time.Duration
}

type settings struct {
	files          []string
	project        string
	pull           bool
	logDir         string
	startupTimeout time.Duration
	removeVolumes  bool
	logger         hclog.Logger
	policy         probe.Policy
	waits          map[string][]serviceWait
	preflight      bool
	newEngine      engineFactory
}

func defaultSettings() *settings {
	return &settings{
		waits:     make(map[string][]serviceWait),
		preflight: true,
		newEngine: newDockerEngine,
	}
}

// File adds compose files. Later files override earlier ones, as with
// repeated `docker compose -f`. Without any File option the environment
// uses testdata/docker-compose.yml relative to the working directory.
func File(paths ...string) Option {
	return func(s *settings) error {
		s.files = append(s.files, paths...)
		return nil
	}
}

// ProjectName fixes the compose project name. By default every
// environment gets a random "fixture-<hex>" name, so parallel test
// binaries never share containers.
func ProjectName(name string) Option {
	return func(s *settings) error {
		if err := model.ValidateProjectName(name); err != nil {
			return err
		}
		s.project = name
		return nil
	}
}

// PullOnStartup pulls every image before the first service starts.
func PullOnStartup() Option {
	return func(s *settings) error {
		s.pull = true
		return nil
	}
}

// SaveLogsTo writes each container's logs to dir/<service>.log during
// teardown, including after a failed start.
func SaveLogsTo(dir string) Option {
	return func(s *settings) error {
		s.logDir = dir
		return nil
	}
}

// WaitingForService attaches a readiness probe to a service, polled with
// the environment's default policy. A service may have several probes;
// all must pass.
func WaitingForService(service string, p probe.Probe) Option {
	return WaitingForServiceWithin(service, p, 0)
}

// WaitingForServiceWithin is WaitingForService with its own timeout.
func WaitingForServiceWithin(service string, p probe.Probe, timeout time.Duration) Option {
	return func(s *settings) error {
		if p == nil {
			return fmt.Errorf("nil probe for service %q", service)
		}
		if timeout < 0 {
			return fmt.Errorf("negative wait timeout for service %q", service)
		}
		s.waits[service] = append(s.waits[service], serviceWait{probe: p, timeout: timeout})
		return nil
	}
}

// StartupTimeout bounds the whole of Start, including image pulls.
// Zero means no bound beyond the per-probe timeouts.
func StartupTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("negative startup timeout %s", d)
		}
		s.startupTimeout = d
		return nil
	}
}

// RemoveVolumes removes named and anonymous volumes on teardown.
func RemoveVolumes() Option {
	return func(s *settings) error {
		s.removeVolumes = true
		return nil
	}
}

// WithLogger sets the logger. The default logs at info level to stderr.
func WithLogger(logger hclog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithPolicy sets the default polling policy for probes.
func WithPolicy(policy probe.Policy) Option {
	return func(s *settings) error {
		s.policy = policy
		return nil
	}
}

// SkipPortPreflight disables the check that pinned host ports are free
// before `up`. Use it when the daemon runs on another machine.
func SkipPortPreflight() Option {
	return func(s *settings) error {
		s.preflight = false
		return nil
	}
}

// FromConfigFile applies a compose-fixture.jsonc file, then the
// COMPOSE_FIXTURE_* environment overrides. Options after it take
// precedence over the file.
func FromConfigFile(path string) Option {
	return func(s *settings) error {
		// The file is read when New runs, not when the option is
		// built, so a package-level MustNew sees the environment of
		// the test binary.
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		// COMPOSE_FIXTURE_* variables override the file, as they do
		// for the CLI. Options after this one override both.
		if err := cfg.ApplyEnv(); err != nil {
			return err
		}
		return applyConfig(s, cfg)
	}
}

// applyConfig copies a validated config into settings.
func applyConfig(s *settings, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.files = append(s.files, cfg.ComposeFiles...)
	if cfg.Project != "" {
		s.project = cfg.Project
	}
	s.pull = s.pull || cfg.PullOnStartup
	if cfg.LogDir != "" {
		s.logDir = cfg.LogDir
	}
	if cfg.StartupTimeout > 0 {
		s.startupTimeout = cfg.StartupTimeout.Std()
	}
	s.removeVolumes = s.removeVolumes || cfg.RemoveVolumes

	for _, name := range cfg.WaitServices() {
		w := cfg.Waits[name]
		p, err := w.Probe()
		if err != nil {
			return err
		}
		s.waits[name] = append(s.waits[name], serviceWait{probe: p, timeout: w.Timeout.Std()})
	}
	return nil
}

// withEngineFactory replaces the Docker engine; tests use it to run the
// lifecycle against a fake.
func withEngineFactory(f engineFactory) Option {
	return func(s *settings) error {
		s.newEngine = f
		return nil
	}
}

// engineFactory creates the engine for one start.
type engineFactory func(ctx context.Context, cfg engineConfig) (engine, error)
