package cli

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/pkg/fixture"
)

// fixtureOptions translates a validated config into fixture options.
func fixtureOptions(cfg *config.Config, logger hclog.Logger) ([]fixture.Option, error) {
	opts := []fixture.Option{
		fixture.File(cfg.ComposeFiles...),
		fixture.WithLogger(logger),
	}
	if cfg.Project != "" {
		opts = append(opts, fixture.ProjectName(cfg.Project))
	}
	if cfg.PullOnStartup {
		opts = append(opts, fixture.PullOnStartup())
	}
	if cfg.LogDir != "" {
		opts = append(opts, fixture.SaveLogsTo(cfg.LogDir))
	}
	if cfg.StartupTimeout > 0 {
		opts = append(opts, fixture.StartupTimeout(cfg.StartupTimeout.Std()))
	}
	if cfg.RemoveVolumes {
		opts = append(opts, fixture.RemoveVolumes())
	}

	for _, service := range cfg.WaitServices() {
		w := cfg.Waits[service]
		p, err := w.Probe()
		if err != nil {
			return nil, fmt.Errorf("wait for %q: %w", service, err)
		}
		opts = append(opts, fixture.WaitingForServiceWithin(service, p, w.Timeout.Std()))
	}
	return opts, nil
}

// startEnvironment loads the config and starts an environment from it.
// On error nothing is left running.
func startEnvironment(ctx context.Context, logger hclog.Logger) (*fixture.Environment, error) {
	// Step 1: Config file, then COMPOSE_FIXTURE_* variables, then flags.
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// Step 2: Translate the config into the same options a Go test
	// passes, so the CLI and the test helpers start identical
	// environments.
	opts, err := fixtureOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	env, err := fixture.New(opts...)
	if err != nil {
		return nil, err
	}
	// Step 3: Start blocks until every probe passed. On failure it has
	// already removed whatever it created.
	if err := env.Start(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

// servicePorts collects the published ports of every running service.
func servicePorts(env *fixture.Environment) (map[string][]fixture.Port, error) {
	result := make(map[string][]fixture.Port)
	for _, service := range env.Services() {
		c, err := env.Container(service)
		if err != nil {
			return nil, err
		}
		ports, err := c.Ports()
		if err != nil {
			return nil, err
		}
		result[service] = ports
	}
	return result, nil
}
