package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// Environment variables that override config file values.
const (
	EnvProject        = "COMPOSE_FIXTURE_PROJECT"
	EnvFiles          = "COMPOSE_FIXTURE_FILES"
	EnvPull           = "COMPOSE_FIXTURE_PULL"
	EnvLogDir         = "COMPOSE_FIXTURE_LOG_DIR"
	EnvStartupTimeout = "COMPOSE_FIXTURE_STARTUP_TIMEOUT"
)

// LookupFunc reports the value of an environment variable and whether it
// is set. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() error {
	return c.ApplyEnvFrom(os.LookupEnv)
}

// ApplyEnvFrom overrides fields from lookup. Every malformed variable is
// reported, not just the first.
func (c *Config) ApplyEnvFrom(lookup LookupFunc) error {
	var result *multierror.Error

	// An empty variable is treated as unset for every field except the
	// log directory, where "" is how CI turns log saving off.
	if v, ok := lookup(EnvProject); ok && v != "" {
		c.Project = v
	}

	// COMPOSE_FIXTURE_FILES is comma separated, like COMPOSE_FILE with
	// COMPOSE_PATH_SEPARATOR=",". Relative entries stay relative to the
	// working directory, as with -f.
	if v, ok := lookup(EnvFiles); ok && v != "" {
		var files []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		c.ComposeFiles = files
	}

	if v, ok := lookup(EnvPull); ok && v != "" {
		pull, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", EnvPull, err))
		} else {
			c.PullOnStartup = pull
		}
	}

	if v, ok := lookup(EnvLogDir); ok {
		c.LogDir = v
	}

	if v, ok := lookup(EnvStartupTimeout); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", EnvStartupTimeout, err))
		} else {
			c.StartupTimeout = Duration(d)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid environment override", err)
	}
	return nil
}
