package fixture

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// layeredCompose has two levels: db and cache first, then web.
const layeredCompose = `
services:
  db:
    image: postgres:16
    ports:
      - "5432"
  cache:
    image: redis:7
    ports:
      - "6379"
  web:
    image: nginx:1.27
    ports:
      - "80"
      - "443"
    depends_on:
      - db
      - cache
`

// fakeEngine records lifecycle calls and simulates containers for the
// services that were brought up.
type fakeEngine struct {
	mu      sync.Mutex
	cfg     engineConfig
	calls   []string
	running map[string]bool
	ports   map[string][]model.PortMapping
	logs    map[string]string

	pingErr error
	upErr   map[string]error
	downErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running: make(map[string]bool),
		ports: map[string][]model.PortMapping{
			"db":    {{IP: "0.0.0.0", PrivatePort: 5432, PublicPort: 49153, Protocol: "tcp"}},
			"cache": {{IP: "0.0.0.0", PrivatePort: 6379, PublicPort: 49154, Protocol: "tcp"}},
			"web": {
				{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 49155, Protocol: "tcp"},
				{IP: "::", PrivatePort: 80, PublicPort: 49155, Protocol: "tcp"},
				{IP: "192.168.1.20", PrivatePort: 443, PublicPort: 49156, Protocol: "tcp"},
			},
		},
		logs:  make(map[string]string),
		upErr: make(map[string]error),
	}
}

// factory returns an engineFactory handing out this fake.
func (f *fakeEngine) factory() engineFactory {
	return func(_ context.Context, cfg engineConfig) (engine, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cfg = cfg
		return f, nil
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns a copy of the recorded calls.
func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// count returns how often a call with the given prefix was recorded.
func (f *fakeEngine) count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeEngine) isRunning(service string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[service]
}

func (f *fakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ping")
	return f.pingErr
}

func (f *fakeEngine) Pull(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull")
	return nil
}

func (f *fakeEngine) Up(_ context.Context, services []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("up " + strings.Join(services, ","))
	for _, s := range services {
		if err := f.upErr[s]; err != nil {
			return err
		}
		f.running[s] = true
	}
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, services []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop " + strings.Join(services, ","))
	for _, s := range services {
		f.running[s] = false
	}
	return nil
}

func (f *fakeEngine) Down(_ context.Context, removeVolumes bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if removeVolumes {
		f.record("down -v")
	} else {
		f.record("down")
	}
	f.running = make(map[string]bool)
	return f.downErr
}

func (f *fakeEngine) Containers(context.Context) ([]model.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []model.ContainerInfo
	for service, up := range f.running {
		if !up {
			continue
		}
		infos = append(infos, model.ContainerInfo{
			ContainerID:   "id-" + service,
			ContainerName: f.cfg.project + "-" + service + "-1",
			ServiceName:   service,
			Status:        "running",
			Labels: map[string]string{
				docker.LabelComposeProject:         f.cfg.project,
				docker.LabelComposeService:         service,
				docker.LabelComposeContainerNumber: "1",
			},
			Ports: f.ports[service],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ServiceName < infos[j].ServiceName })
	return infos, nil
}

func (f *fakeEngine) Logs(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.logs[strings.TrimPrefix(id, "id-")]), nil
}

func (f *fakeEngine) HealthStatus(context.Context, string) (string, error) {
	return "healthy", nil
}

func (f *fakeEngine) SaveLogs(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("savelogs")
	var written []string
	for service := range f.running {
		path := filepath.Join(dir, service+".log")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(path, []byte(f.logs[service]), 0o644); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func (f *fakeEngine) HostIP() string {
	return "127.0.0.1"
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	return nil
}

func newTestLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// writeCompose writes a compose file into a fresh temp dir.
func writeCompose(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// fastPolicy keeps failing probes short.
func fastPolicy() probe.Policy {
	return probe.Policy{
		Timeout:         200 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
}

// testOptions are the options every lifecycle test needs.
func testOptions(t *testing.T, f *fakeEngine, opts ...Option) []Option {
	t.Helper()
	base := []Option{
		File(writeCompose(t, layeredCompose)),
		WithLogger(newTestLogger()),
		WithPolicy(fastPolicy()),
		withEngineFactory(f.factory()),
	}
	return append(base, opts...)
}

// newTestEnvironment builds an environment against the fake engine.
func newTestEnvironment(t *testing.T, f *fakeEngine, opts ...Option) *Environment {
	t.Helper()
	env, err := New(testOptions(t, f, opts...)...)
	require.NoError(t, err)
	return env
}
