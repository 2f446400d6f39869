// Package probe implements readiness checks for services started by a
// fixture environment, and the bounded backoff loop that polls them.
//
// A Probe inspects one running service through the Target interface:
// its host, its published ports, its logs and its Docker health status.
// Probes report "not ready yet" by returning an error; Wait keeps polling
// until the probe passes, the policy's timeout elapses, or the probe
// returns a Permanent error.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target is the running service a probe checks.
type Target interface {
	// Name is the compose service name.
	Name() string

	// Host is the address published ports are reachable on.
	Host() string

	// Ports lists the published ports, ordered by internal port.
	Ports() []Port

	// Logs returns everything the service has logged so far.
	Logs(ctx context.Context) (string, error)

	// HealthStatus returns the Docker healthcheck status ("starting",
	// "healthy", "unhealthy"), or "none" without a healthcheck.
	HealthStatus(ctx context.Context) (string, error)
}

// Probe checks whether a target is ready. Check returns nil once ready.
type Probe interface {
	Check(ctx context.Context, t Target) error
	String() string
}

// Port is a published container port as seen from the test process.
type Port struct {
	// IP is the host address the port is reachable on.
	IP string `json:"ip"`

	// Internal is the container-side port.
	Internal int `json:"internal"`

	// External is the host-side port Docker assigned or the compose file fixed.
	External int `json:"external"`

	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`
}

// Address returns "ip:external", bracketing IPv6 addresses.
func (p Port) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.External))
}

// InFormat substitutes $HOST, $EXTERNAL_PORT and $INTERNAL_PORT in format.
//
//	p.InFormat("http://$HOST:$EXTERNAL_PORT/health")
func (p Port) InFormat(format string) string {
	return strings.NewReplacer(
		"$HOST", p.IP,
		"$EXTERNAL_PORT", strconv.Itoa(p.External),
		"$INTERNAL_PORT", strconv.Itoa(p.Internal),
	).Replace(format)
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s -> %s", p.Internal, p.Protocol, p.Address())
}

// FindPort returns the target's published port for an internal port.
// TCP is preferred when both protocols publish the same number.
func FindPort(t Target, internal int) (Port, bool) {
	var found Port
	ok := false
	for _, p := range t.Ports() {
		if p.Internal != internal {
			continue
		}
		if p.Protocol == "tcp" || p.Protocol == "" {
			return p, true
		}
		if !ok {
			found, ok = p, true
		}
	}
	return found, ok
}

// portError reports an internal port the target does not publish. It is
// permanent: the published ports do not change once the container runs.
func portError(t Target, internal int) error {
	return Permanent(fmt.Errorf("service %q does not publish port %d", t.Name(), internal))
}

// funcProbe adapts a function to Probe.
type funcProbe struct {
	name string
	fn   func(ctx context.Context, t Target) error
}

// Func builds a probe from a function. name appears in timeout errors.
func Func(name string, fn func(ctx context.Context, t Target) error) Probe {
	return funcProbe{name: name, fn: fn}
}

func (f funcProbe) Check(ctx context.Context, t Target) error { return f.fn(ctx, t) }
func (f funcProbe) String() string                            { return f.name }

// allProbe passes when every child probe passes.
type allProbe []Probe

// All combines probes. They are checked in order on every attempt and the
// first failure is returned.
func All(probes ...Probe) Probe {
	return allProbe(probes)
}

func (a allProbe) Check(ctx context.Context, t Target) error {
	for _, p := range a {
		if err := p.Check(ctx, t); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (a allProbe) String() string {
	names := make([]string, len(a))
	for i, p := range a {
		names[i] = p.String()
	}
	return "all(" + strings.Join(names, ", ") + ")"
}
