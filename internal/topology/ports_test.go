package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// TestParsePortString covers the compose short syntax variants.
func TestParsePortString(t *testing.T) {
	tests := []struct {
		input    string
		expected []model.PortSpec
	}{
		{"80", []model.PortSpec{{Target: 80, Protocol: "tcp"}}},
		{"8080:80", []model.PortSpec{{Target: 80, Published: 8080, Protocol: "tcp"}}},
		{"53:53/udp", []model.PortSpec{{Target: 53, Published: 53, Protocol: "udp"}}},
		{"127.0.0.1:8080:80", []model.PortSpec{{Target: 80, Published: 8080, Protocol: "tcp"}}},
		{"127.0.0.1::80", []model.PortSpec{{Target: 80, Protocol: "tcp"}}},
		{"[::1]:8080:80", []model.PortSpec{{Target: 80, Published: 8080, Protocol: "tcp"}}},
		{"3000-3001", []model.PortSpec{
			{Target: 3000, Protocol: "tcp"},
			{Target: 3001, Protocol: "tcp"},
		}},
		{"8000-8001:3000-3001", []model.PortSpec{
			{Target: 3000, Published: 8000, Protocol: "tcp"},
			{Target: 3001, Published: 8001, Protocol: "tcp"},
		}},
		{"9000-9010:80", []model.PortSpec{{Target: 80, Protocol: "tcp"}}},
		{" 5432 ", []model.PortSpec{{Target: 5432, Protocol: "tcp"}}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			specs, err := ParsePortString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, specs)
		})
	}
}

// TestParsePortString_Invalid covers malformed short syntax.
func TestParsePortString_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"http",
		"80:http",
		"1:2:3:4",
		"70000",
		"80/sctp",
		"3001-3000",
		"8000-8002:3000-3001", // range sizes differ
		"[::1",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParsePortString(input)
			assert.Error(t, err)
		})
	}
}
