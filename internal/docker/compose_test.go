package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// recordingRunner captures compose invocations instead of running docker.
type recordingRunner struct {
	calls  [][]string
	dirs   []string
	env    [][]string
	output string
	err    error
}

func (r *recordingRunner) run(_ context.Context, dir string, env []string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	r.dirs = append(r.dirs, dir)
	r.env = append(r.env, env)
	return []byte(r.output), r.err
}

func newTestCompose(r *recordingRunner) *Compose {
	c := NewCompose("fixture-1a2b3c4d", []string{"/src/testdata/docker-compose.yml", "/tmp/o/override.yml"})
	c.run = r.run
	return c
}

// TestNewCompose_ProjectDir verifies that the working directory defaults to
// the first compose file's directory.
func TestNewCompose_ProjectDir(t *testing.T) {
	c := NewCompose("p", []string{"/src/testdata/docker-compose.yml"})

	assert.Equal(t, "/src/testdata", c.ProjectDir)
}

// TestCompose_Args verifies the common prefix of every invocation.
func TestCompose_Args(t *testing.T) {
	c := newTestCompose(&recordingRunner{})

	assert.Equal(t, []string{
		"compose",
		"--project-name", "fixture-1a2b3c4d",
		"--file", "/src/testdata/docker-compose.yml",
		"--file", "/tmp/o/override.yml",
		"ps",
	}, c.Args("ps"))
}

// TestCompose_Subcommands verifies the arguments of each operation.
func TestCompose_Subcommands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		call     func(c *Compose) error
		expected []string
	}{
		{"pull", func(c *Compose) error { return c.Pull(ctx) }, []string{"pull", "--quiet"}},
		{"up level", func(c *Compose) error { return c.Up(ctx, []string{"db", "cache"}) },
			[]string{"up", "--detach", "--no-deps", "db", "cache"}},
		{"stop level", func(c *Compose) error { return c.Stop(ctx, []string{"web"}) },
			[]string{"stop", "web"}},
		{"down", func(c *Compose) error { return c.Down(ctx, false) },
			[]string{"down", "--remove-orphans"}},
		{"down with volumes", func(c *Compose) error { return c.Down(ctx, true) },
			[]string{"down", "--remove-orphans", "--volumes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recordingRunner{}
			c := newTestCompose(r)

			require.NoError(t, tt.call(c))

			require.Len(t, r.calls, 1)
			args := r.calls[0]
			assert.Equal(t, tt.expected, args[len(args)-len(tt.expected):])
			assert.Equal(t, "/src/testdata", r.dirs[0])
		})
	}
}

// TestCompose_Env verifies that extra variables are appended to the
// inherited environment.
func TestCompose_Env(t *testing.T) {
	r := &recordingRunner{}
	c := newTestCompose(r)
	c.Env = map[string]string{"POSTGRES_PASSWORD": "secret"}

	require.NoError(t, c.Up(context.Background(), []string{"db"}))

	assert.Contains(t, r.env[0], "POSTGRES_PASSWORD=secret")
}

// TestCompose_Failure verifies that compose output ends up in the error.
func TestCompose_Failure(t *testing.T) {
	r := &recordingRunner{
		output: "\nError response from daemon: pull access denied for nosuch/image\n",
		err:    errors.New("exit status 1"),
	}
	c := newTestCompose(r)

	err := c.Up(context.Background(), []string{"db"})

	require.Error(t, err)
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitDockerNotRunning, cliErr.Code)
	assert.Contains(t, err.Error(), "docker compose up failed: Error response from daemon: pull access denied")
}

// TestGenerateOverride verifies that every service receives the labels and
// that the output is valid compose YAML.
func TestGenerateOverride(t *testing.T) {
	labels := map[string]string{LabelManagedBy: ManagedByValue, LabelOwnerPID: "7"}

	data, err := GenerateOverride("fixture-x", []string{"web", "db"}, labels)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(data), "# Generated by compose-fixture"))

	var parsed composeOverride
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Len(t, parsed.Services, 2)
	assert.Equal(t, labels, parsed.Services["db"].Labels)
	assert.Equal(t, labels, parsed.Services["web"].Labels)
}

// TestWriteOverride verifies the file lands in its own temp directory.
func TestWriteOverride(t *testing.T) {
	path, err := WriteOverride("fixture-x", []byte("services: {}\n"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(filepath.Dir(path)) })

	assert.Equal(t, "docker-compose.fixture.yml", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "services: {}\n", string(data))
}
