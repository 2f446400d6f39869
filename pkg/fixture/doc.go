// Package fixture boots a docker compose topology for a test suite and
// tears it down afterwards.
//
// An Environment starts services level by level in depends_on order,
// waits for each service's readiness probe before starting the next
// level, and stops them in reverse order. Once started, it resolves the
// host address and published ports of every service:
//
//	env, err := fixture.New(
//		fixture.File("testdata/docker-compose.yml"),
//		fixture.WaitingForService("postgres", probe.Postgres(5432, creds)),
//		fixture.WaitingForService("nginx", probe.HTTP(80, "/")),
//	)
//	if err != nil { /* invalid options */ }
//	if err := env.Start(ctx); err != nil { /* nothing left running */ }
//	defer env.Stop(ctx)
//
//	port, err := env.Port("postgres", 5432)
//	dsn := creds.ForPort(port).DSN()
//
// Three adapters connect an Environment to the go test runner: Suite for
// testify suites, Acquire for a single test, and RunMain for TestMain.
// All of them stop the environment exactly once, whatever the tests did.
package fixture
