package probe

import (
	"context"
	"errors"
	"fmt"
)

// Docker healthcheck states.
const (
	healthHealthy = "healthy"
	healthNone    = "none"
)

type healthy struct{}

// Healthy waits until Docker reports the container's healthcheck as
// "healthy". A service without a healthcheck fails permanently, because
// waiting cannot make one appear.
func Healthy() Probe {
	return healthy{}
}

func (healthy) Check(ctx context.Context, t Target) error {
	status, err := t.HealthStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading health status: %w", err)
	}
	switch status {
	case healthHealthy:
		return nil
	case healthNone, "":
		return Permanent(errors.New("service declares no healthcheck"))
	default:
		return fmt.Errorf("health status is %q", status)
	}
}

func (healthy) String() string {
	return "docker healthcheck healthy"
}
