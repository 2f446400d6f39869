package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// commandRunner executes `docker <args...>` in dir with env and returns
// the combined output. Tests replace it to capture invocations.
type commandRunner func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

// execRunner runs the real docker CLI.
func execRunner(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	// "docker compose" (plugin) rather than the legacy "docker-compose"
	// binary, which modern Docker no longer ships.
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = dir
	cmd.Env = env
	return cmd.CombinedOutput()
}

// Compose drives `docker compose` for a single project. Every invocation
// passes -p so concurrent fixtures never touch each other's containers.
type Compose struct {
	// ProjectName is passed as -p.
	ProjectName string

	// ProjectDir is the working directory; compose resolves relative paths
	// in the YAML against it. Defaults to the first file's directory.
	ProjectDir string

	// Files are passed as -f in order. Later files override earlier ones.
	Files []string

	// Env holds extra environment variables for the compose process.
	Env map[string]string

	run commandRunner
}

// NewCompose creates a Compose for the given project and files.
func NewCompose(projectName string, files []string) *Compose {
	dir := ""
	if len(files) > 0 {
		dir = filepath.Dir(files[0])
	}
	return &Compose{
		ProjectName: projectName,
		ProjectDir:  dir,
		Files:       files,
		run:         execRunner,
	}
}

// Pull pulls the images of every service.
func (c *Compose) Pull(ctx context.Context) error {
	return c.exec(ctx, "pull", "--quiet")
}

// Up creates and starts the given services in detached mode.
//
// --no-deps is passed because the caller starts services level by level
// and probes each level before the next; letting compose start
// dependencies itself would bypass those probes.
func (c *Compose) Up(ctx context.Context, services []string) error {
	args := []string{"up", "--detach", "--no-deps"}
	args = append(args, services...)
	return c.exec(ctx, args...)
}

// Stop stops the given services without removing them.
func (c *Compose) Stop(ctx context.Context, services []string) error {
	args := []string{"stop"}
	args = append(args, services...)
	return c.exec(ctx, args...)
}

// Down stops and removes the project's containers and networks, plus
// orphans left by earlier topologies under the same project name. With
// removeVolumes it also removes named and anonymous volumes.
func (c *Compose) Down(ctx context.Context, removeVolumes bool) error {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return c.exec(ctx, args...)
}

// Args builds the full argument list for a compose subcommand:
// "compose -p <project> -f <file>... <sub...>".
func (c *Compose) Args(sub ...string) []string {
	args := make([]string, 0, len(c.Files)*2+len(sub)+3)
	args = append(args, "compose")
	if c.ProjectName != "" {
		args = append(args, "--project-name", c.ProjectName)
	}
	for _, f := range c.Files {
		args = append(args, "--file", f)
	}
	return append(args, sub...)
}

// exec runs a compose subcommand.
//
// On failure it returns a CLIError with ExitDockerNotRunning carrying
// compose's output, since that output names the failing image or service.
func (c *Compose) exec(ctx context.Context, sub ...string) error {
	// Step 1: compose reads variables for interpolation from its own
	// environment, so Env is layered over the process environment
	// rather than replacing it.
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}

	// Step 2: Tests swap the runner to record the arguments instead of
	// starting a real docker process.
	run := c.run
	if run == nil {
		run = execRunner
	}

	// Step 3: Run compose and keep its combined output. stdout alone
	// would lose the error text, which compose writes to stderr.
	output, err := run(ctx, c.ProjectDir, env, c.Args(sub...)...)
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("docker compose %s failed: %s", sub[0], strings.TrimSpace(string(output))),
			err,
		)
	}
	return nil
}

// composeOverride is the generated override file. It only adds labels;
// compose merges it over the user's files without changing anything else.
type composeOverride struct {
	Services map[string]composeServiceOverride `yaml:"services"`
}

type composeServiceOverride struct {
	Labels map[string]string `yaml:"labels"`
}

// GenerateOverride renders an override YAML that applies labels to every
// service. Services are sorted so the output is reproducible.
func GenerateOverride(project string, services []string, labels map[string]string) ([]byte, error) {
	override := composeOverride{
		Services: make(map[string]composeServiceOverride, len(services)),
	}

	sorted := append([]string(nil), services...)
	sort.Strings(sorted)

	for _, svc := range sorted {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		override.Services[svc] = composeServiceOverride{Labels: copied}
	}

	data, err := yaml.Marshal(&override)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize compose override YAML: %w", err)
	}

	header := fmt.Sprintf("# Generated by compose-fixture for project %q. Do not edit.\n", project)
	return append([]byte(header), data...), nil
}

// WriteOverride writes the override into a fresh temporary directory and
// returns its path. The caller removes the directory after `down`.
func WriteOverride(project string, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "compose-fixture-"+project+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create override directory: %w", err)
	}
	path := filepath.Join(dir, "docker-compose.fixture.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write compose override %s: %w", path, err)
	}
	return path, nil
}
