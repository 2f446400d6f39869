package config

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"

	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// Wait types accepted in the config file.
const (
	WaitPort     = "port"
	WaitPorts    = "ports"
	WaitHTTP     = "http"
	WaitLog      = "log"
	WaitHealthy  = "healthy"
	WaitPostgres = "postgres"
	WaitRedis    = "redis"
)

// ValidationError is one problem found in a config file.
type ValidationError struct {
	// Field is the JSON path of the offending value, e.g. "waits.db.port".
	Field string

	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the config and returns every problem at once, as a
// CLIError with ExitInvalidConfig wrapping a multierror.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(field, format string, args ...any) {
		result = multierror.Append(result, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Project != "" {
		if err := model.ValidateProjectName(c.Project); err != nil {
			add("project", "%v", err)
		}
	}
	if len(c.ComposeFiles) == 0 {
		add("composeFiles", "at least one compose file is required")
	}
	if c.StartupTimeout < 0 {
		add("startupTimeout", "must not be negative")
	}

	for _, name := range c.WaitServices() {
		validateWait("waits."+name, c.Waits[name], add)
	}

	if err := result.ErrorOrNil(); err != nil {
		return model.WrapCLIError(model.ExitInvalidConfig, "invalid configuration", err)
	}
	return nil
}

// validateWait checks one wait entry. Problems are reported through add
// so that Validate can list every one of them in a single error.
func validateWait(field string, w Wait, add func(field, format string, args ...any)) {
	if w.Timeout < 0 {
		add(field+".timeout", "must not be negative")
	}

	// Probes that connect to something need to know which container
	// port. "ports" and "healthy" look at the container as a whole, and
	// "log" only reads output.
	needsPort := false
	switch w.Type {
	case WaitPort, WaitPostgres, WaitRedis:
		needsPort = true
	case WaitHTTP:
		needsPort = true
		if w.Status != 0 && (w.Status < 100 || w.Status > 599) {
			add(field+".status", "invalid HTTP status %d", w.Status)
		}
	case WaitLog:
		if w.Pattern == "" {
			add(field+".pattern", "required for log waits")
		} else if _, err := regexp.Compile(w.Pattern); err != nil {
			add(field+".pattern", "invalid regular expression: %v", err)
		}
		if w.Times < 0 {
			add(field+".times", "must not be negative")
		}
	case WaitPorts, WaitHealthy:
		// Nothing to check.
	case "":
		add(field+".type", "required")
		return
	default:
		add(field+".type", "unknown wait type %q (want port, ports, http, log, healthy, postgres or redis)", w.Type)
		return
	}

	if needsPort && (w.Port < 1 || w.Port > 65535) {
		add(field+".port", "required for %s waits and must be 1-65535", w.Type)
	}
}

// Probe builds the readiness probe a wait describes. Call Validate first;
// Probe panics on an invalid log pattern.
func (w Wait) Probe() (probe.Probe, error) {
	switch w.Type {
	case WaitPort:
		return probe.PortOpen(w.Port), nil
	case WaitPorts:
		return probe.AllPortsOpen(), nil
	case WaitHTTP:
		p := probe.HTTP(w.Port, w.Path)
		if w.Status != 0 {
			p = p.WithStatus(w.Status)
		}
		if w.Body != "" {
			p = p.WithBodyContaining(w.Body)
		}
		return p, nil
	case WaitLog:
		return probe.LogMatchesTimes(w.Pattern, w.Times), nil
	case WaitHealthy:
		return probe.Healthy(), nil
	case WaitPostgres:
		// Host and port are filled in from the container at probe time.
		return probe.Postgres(w.Port, probe.PostgresConfig{
			User:     w.User,
			Password: w.Password,
			DBName:   w.Database,
		}), nil
	case WaitRedis:
		return probe.RedisWithPassword(w.Port, w.Password), nil
	default:
		return nil, model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("unknown wait type %q", w.Type))
	}
}
