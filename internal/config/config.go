// Package config loads the compose-fixture configuration file.
//
// The file is JSONC (JSON with Comments), so this package uses
// github.com/tidwall/jsonc to strip comments and trailing commas before
// parsing with the standard encoding/json library. Values can be
// overridden by COMPOSE_FIXTURE_* environment variables, which is how CI
// jobs change the project name or log directory without editing the file.
//
// Example compose-fixture.jsonc:
//
//	{
//	  // Relative paths resolve against this file's directory.
//	  "composeFiles": ["docker-compose.yml"],
//	  "logDir": "docker-logs",
//	  "startupTimeout": "2m",
//	  "waits": {
//	    "db":  { "type": "postgres", "port": 5432, "user": "postgres", "password": "secret" },
//	    "web": { "type": "http", "port": 80, "body": "Welcome to nginx!" },
//	  },
//	}
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// DefaultFileName is the config file looked up when none is given.
const DefaultFileName = "compose-fixture.jsonc"

// DefaultComposeFile is used when neither the config nor a flag names one.
const DefaultComposeFile = "testdata/docker-compose.yml"

// Config is the parsed configuration file.
type Config struct {
	// Project is the compose project name. Empty means a random
	// "fixture-<hex>" name per run.
	Project string `json:"project,omitempty"`

	// ComposeFiles are merged in order, like repeated `docker compose -f`.
	ComposeFiles []string `json:"composeFiles,omitempty"`

	// PullOnStartup runs `docker compose pull` before starting.
	PullOnStartup bool `json:"pullOnStartup,omitempty"`

	// LogDir receives one <service>.log per container on teardown.
	LogDir string `json:"logDir,omitempty"`

	// StartupTimeout bounds the whole startup, including image pulls.
	StartupTimeout Duration `json:"startupTimeout,omitempty"`

	// RemoveVolumes passes --volumes to `docker compose down`.
	RemoveVolumes bool `json:"removeVolumes,omitempty"`

	// Waits maps a service name to the readiness check to run for it.
	Waits map[string]Wait `json:"waits,omitempty"`

	// path is the file the config was read from, if any.
	path string
}

// Wait describes one readiness check in the config file. Which fields are
// used depends on Type.
type Wait struct {
	// Type is one of: port, ports, http, log, healthy, postgres, redis.
	Type string `json:"type"`

	// Port is the container-side port (port, http, postgres, redis).
	Port int `json:"port,omitempty"`

	// Path is the HTTP request path; defaults to "/".
	Path string `json:"path,omitempty"`

	// Status is the expected HTTP status; defaults to 200.
	Status int `json:"status,omitempty"`

	// Body, if set, must be contained in the HTTP response body.
	Body string `json:"body,omitempty"`

	// Pattern is the regular expression for log waits.
	Pattern string `json:"pattern,omitempty"`

	// Times is how often Pattern must match; defaults to 1.
	Times int `json:"times,omitempty"`

	// Timeout overrides the default per-service wait timeout.
	Timeout Duration `json:"timeout,omitempty"`

	// Credentials for postgres and redis waits.
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

// Duration is a time.Duration that unmarshals from a Go duration string
// ("90s", "2m") or a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds, got %s", data)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ParseDuration accepts a Go duration string or a plain number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ComposeFiles: []string{DefaultComposeFile},
	}
}

// Load reads a config file, strips JSONC comments, and resolves relative
// paths against the file's directory.
//
// Unknown fields are rejected so that typos ("composeFile") fail loudly
// instead of silently falling back to defaults.
//
// Returns a CLIError with ExitInvalidConfig if the file is missing or
// malformed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitInvalidConfig,
				fmt.Sprintf("config file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// jsonc.ToJSON blanks out comments and trailing commas in place, so
	// byte offsets in decode errors still match the file.
	cfg, err := Parse(jsonc.ToJSON(data))
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("failed to parse config file %s", path),
			err,
		)
	}

	// Relative paths in the file are relative to the file itself, not to
	// wherever `go test` or the CLI happens to run.
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.path = abs
	cfg.resolvePaths(filepath.Dir(abs))

	return cfg, nil
}

// Parse decodes plain JSON (comments already stripped) into a Config.
func Parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find returns the path of DefaultFileName in dir, or "" if absent.
func Find(dir string) string {
	path := filepath.Join(dir, DefaultFileName)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// LoadOrDefault loads path if given, otherwise DefaultFileName in the
// working directory if present, otherwise Default().
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	if found := Find(wd); found != "" {
		return Load(found)
	}
	return Default(), nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// WaitServices returns the services with a configured wait, sorted.
func (c *Config) WaitServices() []string {
	names := make([]string, 0, len(c.Waits))
	for name := range c.Waits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) resolvePaths(dir string) {
	for i, f := range c.ComposeFiles {
		if !filepath.IsAbs(f) {
			c.ComposeFiles[i] = filepath.Join(dir, f)
		}
	}
	if c.LogDir != "" && !filepath.IsAbs(c.LogDir) {
		c.LogDir = filepath.Join(dir, c.LogDir)
	}
}
