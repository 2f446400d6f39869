package topology

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// longPort is the compose long port syntax:
//
//	ports:
//	  - target: 80
//	    published: "8080"
//	    protocol: tcp
//
// Target and Published are decoded as nodes because compose accepts both
// integers and strings for them.
type longPort struct {
	Target    yaml.Node `yaml:"target"`
	Published yaml.Node `yaml:"published"`
	Protocol  string    `yaml:"protocol"`
}

// parsePortNode converts one entry of a service's `ports` list into
// one or more PortSpecs. Short syntax ranges expand to several specs.
func parsePortNode(node *yaml.Node) ([]model.PortSpec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return ParsePortString(node.Value)

	case yaml.MappingNode:
		var lp longPort
		if err := node.Decode(&lp); err != nil {
			return nil, fmt.Errorf("invalid long port syntax: %w", err)
		}
		target, err := strconv.Atoi(strings.TrimSpace(lp.Target.Value))
		if err != nil {
			return nil, fmt.Errorf("invalid target port %q", lp.Target.Value)
		}
		spec := model.PortSpec{Target: target, Protocol: strings.ToLower(lp.Protocol)}
		if published := strings.TrimSpace(lp.Published.Value); published != "" {
			// A published range in long syntax lets Docker pick; treat it
			// like an unpublished port and resolve at runtime.
			if !strings.Contains(published, "-") {
				spec.Published, err = strconv.Atoi(published)
				if err != nil {
					return nil, fmt.Errorf("invalid published port %q", published)
				}
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		return []model.PortSpec{spec}, nil

	default:
		return nil, fmt.Errorf("unsupported port entry at line %d", node.Line)
	}
}

// ParsePortString parses the compose short port syntax.
//
// Accepted forms (protocol suffix optional, defaults to tcp):
//
//	"80"                       container port, host port assigned by Docker
//	"8080:80"                  fixed host port
//	"127.0.0.1:8080:80"        bound to a host IP
//	"127.0.0.1::80"            host IP, host port assigned by Docker
//	"[::1]:8080:80"            IPv6 host IP
//	"3000-3002"                range of container ports
//	"8000-8002:3000-3002"      pairwise range mapping
//	"9000-9010:80"             Docker picks a host port from the range
func ParsePortString(s string) ([]model.PortSpec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("empty port specification")
	}

	// Step 1: Split off the protocol suffix ("53/udp").
	protocol := "tcp"
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		protocol = strings.ToLower(raw[idx+1:])
		raw = raw[:idx]
	}

	// Strip an IPv6 host IP in brackets before splitting on ':'.
	if strings.HasPrefix(raw, "[") {
		end := strings.Index(raw, "]")
		if end < 0 || end+1 >= len(raw) || raw[end+1] != ':' {
			return nil, fmt.Errorf("invalid port specification %q", s)
		}
		raw = raw[end+2:]
	}

	// Step 2: What remains is [[ip:]published:]target, each port part
	// possibly a range.
	var publishedPart, targetPart string
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		targetPart = parts[0]
	case 2:
		publishedPart, targetPart = parts[0], parts[1]
	case 3:
		// parts[0] is the host IP; it does not change how the port is
		// resolved because Docker reports the actual binding.
		publishedPart, targetPart = parts[1], parts[2]
	default:
		return nil, fmt.Errorf("invalid port specification %q", s)
	}

	targetLo, targetHi, err := parsePortRange(targetPart)
	if err != nil {
		return nil, fmt.Errorf("invalid port specification %q: %w", s, err)
	}

	pubLo, pubHi := 0, 0
	if publishedPart != "" {
		pubLo, pubHi, err = parsePortRange(publishedPart)
		if err != nil {
			return nil, fmt.Errorf("invalid port specification %q: %w", s, err)
		}
	}

	// Step 3: Expand ranges into one spec per container port.
	targetCount := targetHi - targetLo + 1
	pubCount := pubHi - pubLo + 1

	specs := make([]model.PortSpec, 0, targetCount)
	for i := 0; i < targetCount; i++ {
		spec := model.PortSpec{Target: targetLo + i, Protocol: protocol}
		switch {
		case publishedPart == "":
			// Docker assigns the host port.
		case pubCount == targetCount:
			spec.Published = pubLo + i
		case targetCount == 1:
			// Host port range for a single container port: Docker picks
			// one of them, so the binding is resolved at runtime.
		default:
			return nil, fmt.Errorf("invalid port specification %q: host and container ranges differ in size", s)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid port specification %q: %w", s, err)
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// parsePortRange parses "80" or "3000-3002" into inclusive bounds.
func parsePortRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err := strconv.Atoi(lo)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", lo)
		}
		end, err := strconv.Atoi(hi)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", hi)
		}
		if end < start {
			return 0, 0, fmt.Errorf("invalid port range %q", s)
		}
		return start, end, nil
	}

	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q", s)
	}
	return port, port, nil
}
