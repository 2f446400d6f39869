// Package topology loads docker compose files into a model.Topology and
// derives the order in which services must be started.
//
// This package handles:
//   - Reading and merging one or more compose files (later files override
//     earlier ones, the same way `docker compose -f a -f b` merges them)
//   - Variable interpolation (${VAR}, ${VAR:-default}, $$) from the
//     process environment
//   - Port short syntax ("8080:80/tcp", ranges, host IPs) and long syntax
//   - depends_on in both list and map form
//   - Dependency layering: services are grouped into levels so that every
//     service starts after all of its dependencies
//
// Only the subset of the compose format that orchestration needs is parsed.
// Everything else is ignored and left for docker compose itself to handle.
//
// YAML parsing uses gopkg.in/yaml.v3. Files are decoded into a yaml.Node
// tree first so interpolation runs on scalar values, never on comments.
package topology
