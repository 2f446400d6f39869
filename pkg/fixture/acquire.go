package fixture

import (
	"context"
	"testing"
)

// Acquire starts an environment scoped to t and stops it in t.Cleanup.
// Call it from a parent test to share one environment among subtests.
// It fails t immediately if the environment cannot start.
func Acquire(t testing.TB, opts ...Option) *Environment {
	t.Helper()

	env, err := New(opts...)
	if err != nil {
		t.Fatalf("invalid fixture options: %v", err)
	}

	t.Cleanup(func() {
		if err := env.Stop(context.Background()); err != nil {
			t.Errorf("docker compose environment failed to stop cleanly: %v", err)
		}
	})

	if err := env.Start(context.Background()); err != nil {
		t.Fatalf("docker compose environment failed to start: %v", err)
	}
	return env
}

// Runner is satisfied by *testing.M.
type Runner interface {
	Run() int
}

// RunMain starts env, runs the package's tests, and stops env. It returns
// the exit code for os.Exit:
//
//	var env = fixture.MustNew(fixture.FromConfigFile("testdata/compose-fixture.jsonc"))
//
//	func TestMain(m *testing.M) {
//		os.Exit(fixture.RunMain(m, env))
//	}
//
// If env fails to start, no test runs and the code is 1. A teardown
// failure turns a passing run into exit code 1.
func RunMain(m Runner, env *Environment) int {
	ctx := context.Background()

	if err := env.Start(ctx); err != nil {
		env.logger.Error("tests not run", "error", err)
		return 1
	}

	code := m.Run()

	if err := env.Stop(ctx); err != nil {
		env.logger.Error("teardown failed", "error", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}
