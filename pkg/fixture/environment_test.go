package fixture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// TestNew_Defaults verifies the defaults applied without options.
func TestNew_Defaults(t *testing.T) {
	env, err := New()
	require.NoError(t, err)

	assert.Regexp(t, `^fixture-[0-9a-f]{8}$`, env.Project())
	assert.Equal(t, []string{"testdata/docker-compose.yml"}, env.settings.files)
	assert.Equal(t, model.StateUnstarted, env.State())

	other, err := New()
	require.NoError(t, err)
	assert.NotEqual(t, env.Project(), other.Project(), "project names should be unique per environment")
}

// TestNew_InvalidOptions verifies option validation.
func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"project name", ProjectName("Not Valid")},
		{"nil probe", WaitingForService("db", nil)},
		{"negative wait", WaitingForServiceWithin("db", probe.Healthy(), -time.Second)},
		{"negative startup timeout", StartupTimeout(-time.Second)},
		{"missing config", FromConfigFile(filepath.Join(t.TempDir(), "missing.jsonc"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			assert.Error(t, err)
		})
	}
}

// TestStart_LevelOrder verifies that levels start in dependency order,
// that probes run before the next level, and that teardown reverses it.
func TestStart_LevelOrder(t *testing.T) {
	f := newFakeEngine()
	var webStartedBeforeDBReady bool
	dbProbe := probe.Func("db ready", func(context.Context, probe.Target) error {
		webStartedBeforeDBReady = f.isRunning("web")
		return nil
	})

	env := newTestEnvironment(t, f, WaitingForService("db", dbProbe), RemoveVolumes())

	require.NoError(t, env.Start(context.Background()))
	assert.Equal(t, model.StateReady, env.State())
	assert.False(t, webStartedBeforeDBReady, "web must not start before db is ready")
	assert.Equal(t, []string{"ping", "up cache,db", "up web"}, f.Calls())
	assert.Equal(t, []string{"cache", "db", "web"}, env.Services())
	assert.Equal(t, env.Project(), f.cfg.project)
	assert.Equal(t, []string{"cache", "db", "web"}, f.cfg.services)

	require.NoError(t, env.Stop(context.Background()))
	assert.Equal(t, model.StateStopped, env.State())
	assert.Equal(t, []string{
		"ping", "up cache,db", "up web",
		"stop web", "stop cache,db", "down -v", "close",
	}, f.Calls())
}

// TestStart_PullOnStartup verifies the pull happens before any up.
func TestStart_PullOnStartup(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f, PullOnStartup())

	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	assert.Equal(t, []string{"ping", "pull", "up cache,db", "up web"}, f.Calls())
}

// TestRegistry_Lookups verifies port resolution and lookup errors.
func TestRegistry_Lookups(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	db, err := env.Container("db")
	require.NoError(t, err)
	assert.Equal(t, "db", db.Name())
	assert.Equal(t, "id-db", db.ID())
	assert.Equal(t, "127.0.0.1", db.Host())

	port, err := env.Port("db", 5432)
	require.NoError(t, err)
	assert.Equal(t, Port{IP: "127.0.0.1", Internal: 5432, External: 49153, Protocol: "tcp"}, port)
	assert.Equal(t, "127.0.0.1:49153", port.Address())

	web, err := env.Container("web")
	require.NoError(t, err)
	ports, err := web.Ports()
	require.NoError(t, err)
	require.Len(t, ports, 2, "the IPv6 duplicate of port 80 should be dropped")
	assert.Equal(t, "192.168.1.20", ports[1].IP, "a specific binding IP should be kept")

	_, err = env.Container("queue")
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = env.Port("db", 9999)
	assert.ErrorIs(t, err, ErrPortNotMapped)
}

// TestRegistry_SameInstance verifies that lookups return one handle per
// service.
func TestRegistry_SameInstance(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	first, err := env.Container("web")
	require.NoError(t, err)
	second, err := env.Container("web")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

// TestRegistry_NotReady verifies lookups before Start and after Stop.
func TestRegistry_NotReady(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)

	_, err := env.Container("db")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, env.Start(context.Background()))
	db, err := env.Container("db")
	require.NoError(t, err)
	require.NoError(t, env.Stop(context.Background()))

	_, err = db.Port(5432)
	assert.ErrorIs(t, err, ErrNotReady, "handles must be invalid after Stop")
	_, err = db.Ports()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = env.Port("db", 5432)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, env.Services())
}

// TestRegistry_ConcurrentLookups verifies that readers do not race.
func TestRegistry_ConcurrentLookups(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := env.Port("cache", 6379)
			assert.NoError(t, err)
			assert.Equal(t, 49154, p.External)
		}()
	}
	wg.Wait()
}

// TestStart_ProbeTimeout verifies that a failed probe tears everything
// down, saves logs, and reports a readiness error.
func TestStart_ProbeTimeout(t *testing.T) {
	f := newFakeEngine()
	f.logs["db"] = "FATAL: password authentication failed\n"
	logDir := filepath.Join(t.TempDir(), "docker-logs")
	never := probe.Func("never", func(context.Context, probe.Target) error {
		return errors.New("still booting")
	})

	env := newTestEnvironment(t, f, WaitingForService("db", never), SaveLogsTo(logDir))

	err := env.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.ErrorIs(t, err, probe.ErrNotReady)
	assert.True(t, IsNotReady(err))
	assert.Contains(t, err.Error(), "still booting")
	assert.Equal(t, model.StateStopped, env.State())

	assert.Equal(t, []string{
		"ping", "up cache,db",
		"savelogs", "stop cache,db", "down", "close",
	}, f.Calls())
	assert.Equal(t, 0, f.count("stop web"), "levels never brought up must not be stopped")
	assert.Equal(t, 0, f.count("up web"), "later levels must not start")

	data, err := os.ReadFile(filepath.Join(logDir, "db.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "password authentication failed")

	assert.NoError(t, env.Stop(context.Background()), "Stop after a failed Start is a no-op")
	assert.Equal(t, 1, f.count("down"))
}

// TestStart_PerServiceTimeout verifies that WaitingForServiceWithin
// overrides the policy timeout.
func TestStart_PerServiceTimeout(t *testing.T) {
	f := newFakeEngine()
	never := probe.Func("never", func(context.Context, probe.Target) error {
		return errors.New("no")
	})
	env := newTestEnvironment(t, f, WaitingForServiceWithin("cache", never, 30*time.Millisecond))

	start := time.Now()
	err := env.Start(context.Background())

	require.Error(t, err)
	var notReady *probe.NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "cache", notReady.Service)
	assert.Less(t, time.Since(start), fastPolicy().Timeout+time.Second)
}

// TestStart_UpFailure verifies teardown when a later level fails to start.
func TestStart_UpFailure(t *testing.T) {
	f := newFakeEngine()
	f.upErr["web"] = errors.New("pull access denied for nginx")
	f.downErr = errors.New("network in use")

	env := newTestEnvironment(t, f)
	err := env.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.Contains(t, err.Error(), "pull access denied")
	assert.Contains(t, err.Error(), "network in use", "teardown errors should be reported too")

	// The failed level is stopped too: `up` may have created part of it.
	assert.Equal(t, []string{
		"ping", "up cache,db", "up web",
		"stop web", "stop cache,db", "down", "close",
	}, f.Calls())
}

// TestStart_TeardownStopsOnlyStartedLevels verifies that a failure in the
// first level stops that level alone before removing the project.
func TestStart_TeardownStopsOnlyStartedLevels(t *testing.T) {
	f := newFakeEngine()
	f.upErr["db"] = errors.New("port is already allocated")

	env := newTestEnvironment(t, f)
	err := env.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, []string{
		"ping", "up cache,db",
		"stop cache,db", "down", "close",
	}, f.Calls())
}

// TestStart_PingFailure verifies that nothing is torn down when no
// container was created.
func TestStart_PingFailure(t *testing.T) {
	f := newFakeEngine()
	f.pingErr = model.NewCLIError(model.ExitDockerNotRunning, "Docker daemon is not responding")

	env := newTestEnvironment(t, f)
	err := env.Start(context.Background())

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
	assert.Equal(t, []string{"ping", "close"}, f.Calls())
	assert.Equal(t, model.StateStopped, env.State())
}

// TestStart_UnknownWaitService verifies that probes must name declared
// services, checked before Docker is contacted.
func TestStart_UnknownWaitService(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f, WaitingForService("queue", probe.Healthy()))

	err := env.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue")
	assert.Empty(t, f.Calls(), "the engine should never be created")
}

// TestStart_MissingTopology verifies the error for a missing compose file.
func TestStart_MissingTopology(t *testing.T) {
	f := newFakeEngine()
	env, err := New(
		File(filepath.Join(t.TempDir(), "nope.yml")),
		withEngineFactory(f.factory()),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, err)

	err = env.Start(context.Background())

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitTopologyNotFound, cliErr.Code)
}

// TestStart_CallerContextCancelled verifies that teardown still runs when
// the caller's context is what failed.
func TestStart_CallerContextCancelled(t *testing.T) {
	f := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := probe.Func("cancel", func(context.Context, probe.Target) error {
		cancel()
		return errors.New("not yet")
	})
	env := newTestEnvironment(t, f, WaitingForService("db", cancelling))

	err := env.Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.count("down"))
	assert.Equal(t, model.StateStopped, env.State())
}

// TestStart_Twice verifies that environments are single use.
func TestStart_Twice(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	assert.ErrorIs(t, env.Start(context.Background()), ErrAlreadyStarted)
}

// TestStop_ExactlyOnce verifies that repeated and concurrent Stop calls
// tear down once.
func TestStop_ExactlyOnce(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)
	require.NoError(t, env.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.Stop(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, env.Stop(context.Background()))

	assert.Equal(t, 1, f.count("down"))
	assert.Equal(t, 1, f.count("close"))
}

// TestStop_BeforeStart verifies that Stop on a fresh environment retires it.
func TestStop_BeforeStart(t *testing.T) {
	f := newFakeEngine()
	env := newTestEnvironment(t, f)

	require.NoError(t, env.Stop(context.Background()))

	assert.Equal(t, model.StateStopped, env.State())
	assert.ErrorIs(t, env.Start(context.Background()), ErrAlreadyStarted)
	assert.Empty(t, f.Calls())
}

// TestProbeTarget verifies what probes see of a starting container.
func TestProbeTarget(t *testing.T) {
	f := newFakeEngine()
	f.logs["db"] = "database system is ready to accept connections\n"
	env := newTestEnvironment(t, f,
		WaitingForService("db", probe.All(
			probe.LogMatches("ready to accept connections"),
			probe.Healthy(),
		)),
	)

	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { _ = env.Stop(context.Background()) })

	db, err := env.Container("db")
	require.NoError(t, err)
	logs, err := db.Logs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, logs, "ready to accept connections")
}
