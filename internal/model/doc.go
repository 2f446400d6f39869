// Package model defines the domain types and value objects shared by the
// compose-fixture packages.
//
// This package contains pure data structures with no external dependencies.
// Topology and Service describe what a compose file declares; ContainerInfo
// and PortMapping describe what the Docker daemon reports at runtime. Neither
// is persisted: the topology is re-read from YAML on every start, and
// container state is always queried live from Docker.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
