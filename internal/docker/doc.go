// Package docker provides Docker Engine API wrappers and docker compose
// invocations for compose-fixture.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows) and daemon host IP resolution
//   - docker compose operations: pull, up, stop, down, scoped to one
//     project name per fixture
//   - A generated compose override that stamps every container with
//     compose-fixture labels, so leaked environments can be found later
//   - Container queries: list by project, port bindings, health status,
//     and log capture
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
// Compose itself is driven through the `docker compose` CLI plugin because
// the Engine API has no notion of compose projects.
package docker
