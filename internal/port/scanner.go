package port

import (
	"fmt"
	"net"
	"strings"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// Scanner checks whether specific ports are available on the host machine.
//
// It uses the operating system's network stack (net.Listen / net.ListenPacket)
// to determine if a port is free. This asks the OS directly, rather than
// parsing /proc/net/* or running `lsof`, which may need elevated permissions.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable checks whether a single port is free on the host machine.
//
// We bind to all interfaces (":port" rather than "127.0.0.1:port") because
// Docker publishes ports on 0.0.0.0 by default.
//
// Returns true if the port is free, false if it is in use or the protocol
// is unknown.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	addr := fmt.Sprintf(":%d", port)

	switch protocol {
	case "tcp", "":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		// Unknown protocol: treat as unavailable to fail safe.
		return false
	}
}

// Conflict is a pinned host port that is already in use.
type Conflict struct {
	Service  string
	Spec     model.PortSpec
	Protocol string
}

func (c Conflict) String() string {
	return fmt.Sprintf("service %q publishes %s but host port %d/%s is in use",
		c.Service, c.Spec, c.Spec.Published, c.Protocol)
}

// Preflight returns the pinned ports of topo that are already taken, in
// service order. Services that share a pinned port with each other are
// left for compose to report.
func (s *Scanner) Preflight(topo *model.Topology) []Conflict {
	var conflicts []Conflict
	for _, name := range topo.ServiceNames() {
		for _, spec := range topo.Services[name].Ports {
			if spec.Published == 0 {
				continue
			}
			proto := spec.Protocol
			if proto == "" {
				proto = "tcp"
			}
			if !s.IsPortAvailable(spec.Published, proto) {
				conflicts = append(conflicts, Conflict{Service: name, Spec: spec, Protocol: proto})
			}
		}
	}
	return conflicts
}

// CheckPublished runs Preflight and turns conflicts into a CLIError with
// ExitInvalidConfig listing all of them.
func (s *Scanner) CheckPublished(topo *model.Topology) error {
	conflicts := s.Preflight(topo)
	if len(conflicts) == 0 {
		return nil
	}
	lines := make([]string, len(conflicts))
	for i, c := range conflicts {
		lines[i] = c.String()
	}
	return model.NewCLIError(
		model.ExitInvalidConfig,
		"published ports already in use:\n  "+strings.Join(lines, "\n  "),
	)
}
