package docker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// defaultPingTimeout bounds a Ping against an unresponsive daemon, for
// example a paused Docker Desktop VM.
const defaultPingTimeout = 5 * time.Second

// localhostIP is used for port bindings published on every interface.
const localhostIP = "127.0.0.1"

// Client wraps the Docker Engine SDK client. It remembers the daemon
// address it was created for, because the host part of a tcp:// address
// is also where published container ports are reachable.
//
// Usage:
//
//	c, err := docker.NewClient()
//	if err != nil { /* handle */ }
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil { /* Docker not running */ }
type Client struct {
	// inner is the SDK client. It is wrapped rather than embedded so the
	// rest of the module sees only the calls it needs.
	inner *client.Client

	// host is the daemon address the client was created for, such as
	// "unix:///var/run/docker.sock" or "tcp://10.0.0.5:2376".
	host string
}

// NewClient creates a new Docker client with automatic socket detection.
//
// The detection strategy follows this priority order:
//  1. DOCKER_HOST environment variable (if set, used as-is)
//  2. Platform-specific default socket paths:
//     - Linux: /var/run/docker.sock
//     - macOS: /var/run/docker.sock, then ~/.docker/run/docker.sock
//     - Windows: npipe:////./pipe/docker_engine
//
// Returns a model.CLIError with ExitDockerNotRunning if no Docker socket
// is found or the client cannot be created.
func NewClient() (*Client, error) {
	// Step 1: An explicit DOCKER_HOST always wins. CI runners with a
	// docker-in-docker sidecar point it at a tcp:// address, and the SDK
	// parses every supported scheme itself.
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return newClientWithHost(dockerHost)
	}

	// Step 2: Fall back to the socket locations Docker uses by default on
	// this platform.
	host, err := detectDockerHost()
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker socket not found",
			err,
		)
	}

	return newClientWithHost(host)
}

// newClientWithHost creates a Docker client connected to the given daemon
// address with API version negotiation enabled.
func newClientWithHost(host string) (*Client, error) {
	// Negotiating the API version lets one binary talk to both old CI
	// daemons and current Docker Desktop releases.
	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create Docker client for host %q", host),
			err,
		)
	}

	return &Client{inner: c, host: host}, nil
}

// detectDockerHost probes the platform's known socket locations and
// returns the first that exists.
func detectDockerHost() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// Rootful Docker and most CI images use the standard path.
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
		})

	case "darwin":
		// Docker Desktop creates the system socket only when the
		// privileged helper is enabled; otherwise the socket lives in
		// the user's home directory.
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return detectUnixSocket([]string{
				"/var/run/docker.sock",
			})
		}
		return detectUnixSocket([]string{
			"/var/run/docker.sock",
			homeDir + "/.docker/run/docker.sock",
		})

	case "windows":
		// os.Stat does not work on named pipes, so dial briefly instead.
		pipePath := `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipePath, 1*time.Second)
		if err == nil {
			_ = conn.Close()
			return "npipe://" + pipePath, nil
		}
		return "", fmt.Errorf("Docker named pipe not found at %s: %w", pipePath, err)

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectUnixSocket returns the unix:// URI of the first existing path.
// Existence does not prove the daemon is listening; Ping does that.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf(
		"Docker socket not found at any of: %v (is Docker running?)",
		paths,
	)
}

// Ping verifies that the Docker daemon is reachable and responsive
// within defaultPingTimeout.
//
// Returns a model.CLIError with ExitDockerNotRunning on failure.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(pingCtx); err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			"Docker daemon is not responding (is Docker running?)",
			err,
		)
	}
	return nil
}

// HostIP returns the address at which published container ports can be
// reached from this process. See DaemonHostIP.
func (c *Client) HostIP() string {
	return DaemonHostIP(c.host)
}

// DaemonHostIP derives the reachable host address from a daemon address.
// A remote daemon ("tcp://10.0.0.5:2376") publishes ports on its own host;
// local sockets and pipes publish them on this machine.
func DaemonHostIP(daemonHost string) string {
	u, err := url.Parse(daemonHost)
	if err != nil {
		return localhostIP
	}

	// Only network schemes can name another machine. "localhost" is
	// normalized so callers compare a single loopback address.
	switch u.Scheme {
	case "tcp", "http", "https", "ssh":
		if h := u.Hostname(); h != "" && h != "localhost" {
			return h
		}
	}
	return localhostIP
}

// BindingHostIP chooses the address for a single port binding. A binding
// on a specific interface is used as-is; wildcard bindings resolve to the
// daemon's host address.
func BindingHostIP(bindingIP, daemonIP string) string {
	switch bindingIP {
	case "", "0.0.0.0", "::", "[::]":
		return daemonIP
	default:
		return bindingIP
	}
}

// Close releases all resources held by the Docker client.
// Close is safe to call multiple times.
func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// Inner returns the underlying Docker SDK client for operations that are
// not exposed through the Client wrapper.
func (c *Client) Inner() *client.Client {
	return c.inner
}
