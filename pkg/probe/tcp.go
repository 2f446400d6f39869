package probe

import (
	"context"
	"fmt"
	"net"
)

// dialer is shared by the TCP probes. The per-attempt context bounds
// each dial.
var dialer = &net.Dialer{}

// portOpen succeeds once a TCP connection to the published port succeeds.
type portOpen struct {
	internal int
}

// PortOpen waits until the host side of a container port accepts TCP
// connections.
//
// Docker's userland proxy accepts connections on the host port as soon
// as the container starts, even before the service listens. Prefer HTTP,
// Postgres or Redis probes when the protocol is known.
func PortOpen(internal int) Probe {
	return portOpen{internal: internal}
}

func (p portOpen) Check(ctx context.Context, t Target) error {
	port, ok := FindPort(t, p.internal)
	if !ok {
		return portError(t, p.internal)
	}
	return dialPort(ctx, port)
}

func (p portOpen) String() string {
	return fmt.Sprintf("port %d open", p.internal)
}

// allPortsOpen succeeds once every published TCP port accepts connections.
type allPortsOpen struct{}

// AllPortsOpen waits until every published TCP port of the service
// accepts connections. UDP ports are skipped: there is no handshake to
// observe.
func AllPortsOpen() Probe {
	return allPortsOpen{}
}

func (allPortsOpen) Check(ctx context.Context, t Target) error {
	ports := t.Ports()
	if len(ports) == 0 {
		return fmt.Errorf("service %q has no published ports yet", t.Name())
	}
	for _, port := range ports {
		if port.Protocol == "udp" {
			continue
		}
		if err := dialPort(ctx, port); err != nil {
			return err
		}
	}
	return nil
}

func (allPortsOpen) String() string {
	return "all ports open"
}

func dialPort(ctx context.Context, port Port) error {
	conn, err := dialer.DialContext(ctx, "tcp", port.Address())
	if err != nil {
		return fmt.Errorf("port %d (%s) not accepting connections: %w", port.Internal, port.Address(), err)
	}
	_ = conn.Close()
	return nil
}
