package fixture

import (
	"context"

	"github.com/stretchr/testify/suite"
)

// Suite runs one Environment for a whole testify suite. Embed it and set
// Options:
//
//	type DBSuite struct {
//		fixture.Suite
//	}
//
//	func TestDB(t *testing.T) {
//		suite.Run(t, &DBSuite{Suite: fixture.Suite{Options: []fixture.Option{
//			fixture.File("testdata/docker-compose.yml"),
//			fixture.WaitingForService("postgres", probe.Postgres(5432, creds)),
//		}}})
//	}
//
//	func (s *DBSuite) TestQuery() {
//		port, err := s.Docker().Port("postgres", 5432)
//		...
//	}
//
// An embedding suite that defines its own SetupSuite or TearDownSuite
// must call the embedded ones.
type Suite struct {
	suite.Suite

	// Options configure the environment created by SetupSuite.
	Options []Option

	env *Environment
}

// SetupSuite starts the environment. A failed start fails the suite
// before any test runs; Start has already cleaned up in that case.
func (s *Suite) SetupSuite() {
	env, err := New(s.Options...)
	s.Require().NoError(err, "invalid fixture options")
	s.env = env

	s.Require().NoError(env.Start(context.Background()), "docker compose environment failed to start")
}

// TearDownSuite stops the environment, whether or not tests failed.
func (s *Suite) TearDownSuite() {
	if s.env == nil {
		return
	}
	s.NoError(s.env.Stop(context.Background()), "docker compose environment failed to stop cleanly")
}

// Docker returns the suite's environment. Every test in the suite gets
// the same instance.
func (s *Suite) Docker() *Environment {
	return s.env
}
