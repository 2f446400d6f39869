// down.go implements the "compose-fixture down" command.
//
// The down command removes a project left running by "up" or by a test
// binary that was killed before its teardown ran. It needs only the
// project name: the compose files are recovered from the labels compose
// put on the containers.

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// downFlags holds the flag values for the down command.
type downFlags struct {
	// volumes removes named and anonymous volumes too.
	volumes bool

	// saveLogs is a directory to write container logs to before removal.
	saveLogs string
}

// NewDownCommand creates the "down" cobra command.
func NewDownCommand() *cobra.Command {
	flags := &downFlags{}

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Remove an environment",
		Long: `Stop and remove the containers and networks of a project.

The project comes from --project, or from the config file's "project".

Examples:
  compose-fixture down -p fixture-1a2b3c4d
  compose-fixture down -p fixture-1a2b3c4d --volumes
  compose-fixture down -p fixture-1a2b3c4d --save-logs docker-logs`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := resolveProject()
			if err != nil {
				return err
			}
			count, err := runDown(cmd.Context(), project, flags)
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return writeJSON(cmd, map[string]any{
					"project":        project,
					"action":         "removed",
					"containerCount": count,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment %q removed (%d container(s)).\n", project, count)
			return nil
		},
	}

	cmd.Flags().BoolVar(&flags.volumes, "volumes", false, "Also remove named and anonymous volumes")
	cmd.Flags().StringVar(&flags.saveLogs, "save-logs", "", "Write container logs to this directory first")

	return cmd
}

// resolveProject returns the project named by --project or by the config.
// It does not validate the rest of the config: removing a project must
// work even when the config has since been broken.
func resolveProject() (string, error) {
	if projectName != "" {
		return projectName, nil
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return "", err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return "", err
	}
	if cfg.Project == "" {
		return "", model.NewCLIError(model.ExitInvalidConfig,
			"a project name is required: pass --project or set \"project\" in the config")
	}
	return cfg.Project, nil
}

// runDown removes one project and returns how many containers it had.
func runDown(ctx context.Context, project string, flags *downFlags) (int, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return 0, err
	}
	defer func() { _ = cli.Close() }()

	// Step 1: Find the project's containers. An unknown project is an
	// error, so a typo in -p does not look like a successful removal.
	containers, err := docker.ListProjectContainers(ctx, cli, project)
	if err != nil {
		return 0, err
	}
	if len(containers) == 0 {
		return 0, model.NewCLIError(model.ExitEnvNotFound,
			fmt.Sprintf("no containers found for project %q", project))
	}

	// Step 2: Save logs while the containers still exist.
	if flags.saveLogs != "" {
		if _, err := docker.SaveLogs(ctx, cli, containers, flags.saveLogs); err != nil {
			return 0, model.WrapCLIError(model.ExitGeneralError, "failed to save container logs", err)
		}
	}

	// Step 3: Remove the project through compose, which also removes
	// its networks.
	if err := projectCompose(project, containers).Down(ctx, flags.volumes); err != nil {
		return 0, err
	}
	return len(containers), nil
}

// projectCompose builds a Compose for an existing project from its
// container labels. Files that no longer exist, such as a generated
// override in a removed temp dir, are skipped; compose can remove a
// project by name alone.
func projectCompose(project string, containers []model.ContainerInfo) *docker.Compose {
	labels := containers[0].Labels

	var files []string
	for _, f := range docker.ConfigFiles(labels) {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}

	c := docker.NewCompose(project, files)
	if dir := labels[docker.LabelComposeWorkingDir]; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			c.ProjectDir = dir
		}
	}
	return c
}
