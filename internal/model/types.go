// Package model defines the domain types for the compose-fixture module.
//
// Key design decision: the compose file is the single source of truth for
// what an environment should contain, and the Docker daemon is the single
// source of truth for what it actually contains. These types are transient
// representations of either side.
package model

import (
	"fmt"
	"regexp"
	"sort"
)

// LifecycleState represents the state of a test environment. There is one
// environment per suite execution and the transitions only move forward:
//
//	unstarted → starting → ready → tearing-down → stopped
//	starting → stopped (startup failed, acquired resources released)
type LifecycleState string

const (
	// StateUnstarted is the initial state. Nothing has been created yet.
	StateUnstarted LifecycleState = "unstarted"

	// StateStarting means containers are being created and probed.
	StateStarting LifecycleState = "starting"

	// StateReady means every declared wait passed and the handle is valid.
	StateReady LifecycleState = "ready"

	// StateTearingDown means logs are being saved and containers removed.
	StateTearingDown LifecycleState = "tearing-down"

	// StateStopped is terminal. The environment cannot be restarted.
	StateStopped LifecycleState = "stopped"
)

// String returns the string representation of LifecycleState.
func (s LifecycleState) String() string {
	return string(s)
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Only forward moves along the lifecycle are legal, plus the
// starting → stopped shortcut taken when startup fails.
func (s LifecycleState) CanTransitionTo(next LifecycleState) bool {
	switch s {
	case StateUnstarted:
		return next == StateStarting || next == StateStopped
	case StateStarting:
		return next == StateReady || next == StateTearingDown || next == StateStopped
	case StateReady:
		return next == StateTearingDown
	case StateTearingDown:
		return next == StateStopped
	default:
		return false
	}
}

// Topology is the parsed, merged view of one or more compose files.
// It carries only what orchestration needs: images, ports, dependency
// edges and whether a service declares its own healthcheck.
type Topology struct {
	// Name is the top-level compose `name`, if any. The fixture's own
	// project name always takes precedence when invoking compose.
	Name string `json:"name,omitempty"`

	// Files lists the compose files in merge order.
	Files []string `json:"files"`

	// Services maps service names to their definitions.
	Services map[string]*Service `json:"services"`
}

// ServiceNames returns the declared service names in sorted order.
func (t *Topology) ServiceNames() []string {
	names := make([]string, 0, len(t.Services))
	for name := range t.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service returns the named service and whether it exists.
func (t *Topology) Service(name string) (*Service, bool) {
	svc, ok := t.Services[name]
	return svc, ok
}

// Service is a single compose service definition.
type Service struct {
	// Name is the compose service key.
	Name string `json:"name"`

	// Image is the image reference. Empty when the service is built.
	Image string `json:"image,omitempty"`

	// Ports lists the declared port mappings.
	Ports []PortSpec `json:"ports,omitempty"`

	// DependsOn lists services that must be ready before this one starts.
	DependsOn []string `json:"dependsOn,omitempty"`

	// HasHealthcheck is true when the compose file declares a healthcheck
	// that is not disabled.
	HasHealthcheck bool `json:"hasHealthcheck"`
}

// PortSpec is a port declared in a compose file.
type PortSpec struct {
	// Target is the port inside the container (1-65535).
	Target int `json:"target"`

	// Published is the fixed host port, or 0 when Docker picks one.
	Published int `json:"published,omitempty"`

	// Protocol is "tcp" or "udp". Defaults to "tcp".
	Protocol string `json:"protocol"`
}

// Validate checks the port number ranges and protocol.
func (p *PortSpec) Validate() error {
	if p.Target < 1 || p.Target > 65535 {
		return fmt.Errorf("port spec: target port %d out of range (1-65535)", p.Target)
	}
	if p.Published < 0 || p.Published > 65535 {
		return fmt.Errorf("port spec: published port %d out of range (0-65535)", p.Published)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port spec: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String formats the port the way compose short syntax does:
// "published:target/protocol", or "target/protocol" when unpublished.
func (p PortSpec) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.Published == 0 {
		return fmt.Sprintf("%d/%s", p.Target, proto)
	}
	return fmt.Sprintf("%d:%d/%s", p.Published, p.Target, proto)
}

// ContainerInfo holds runtime information about a Docker container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// ServiceName is the compose service the container belongs to.
	ServiceName string `json:"serviceName"`

	// Status is the Docker container state (e.g., "running", "exited").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`

	// Ports lists the container's port bindings as reported by Docker.
	Ports []PortMapping `json:"ports,omitempty"`
}

// IsRunning reports whether Docker considers the container running.
func (c ContainerInfo) IsRunning() bool {
	return c.Status == "running"
}

// PortMapping is one published port binding of a running container.
type PortMapping struct {
	// IP is the host address the port is bound to ("0.0.0.0", "::", ...).
	IP string `json:"ip"`

	// PrivatePort is the port inside the container.
	PrivatePort int `json:"privatePort"`

	// PublicPort is the host port, or 0 when the port is exposed only.
	PublicPort int `json:"publicPort"`

	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`
}

// projectNamePattern matches names docker compose accepts for -p:
// lowercase letters, digits, dashes and underscores, starting with a
// letter or digit.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateProjectName checks that name is usable as a compose project name.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if !projectNamePattern.MatchString(name) {
		return fmt.Errorf("invalid project name %q: must be lowercase alphanumeric, '-' or '_', starting with a letter or digit", name)
	}
	return nil
}

// ExitCode defines the CLI exit codes. Scripts and CI systems use them to
// tell a broken topology apart from a daemon that is not running.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitTopologyNotFound indicates a compose file could not be read.
	ExitTopologyNotFound ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// or a docker compose invocation failed.
	ExitDockerNotRunning ExitCode = 3

	// ExitNotReady indicates a readiness probe did not pass in time.
	ExitNotReady ExitCode = 4

	// ExitInvalidConfig indicates the fixture config or topology is invalid.
	ExitInvalidConfig ExitCode = 5

	// ExitEnvNotFound indicates no containers exist for the project.
	ExitEnvNotFound ExitCode = 6
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
