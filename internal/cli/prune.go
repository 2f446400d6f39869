// prune.go implements the "compose-fixture prune" command.
//
// A test binary killed by a timeout or SIGKILL never runs its teardown.
// The prune command finds such leftovers through the
// "compose-fixture.started-at" label and removes every project older
// than --older-than, volumes included.

package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// pruneFlags holds the flag values for the prune command.
type pruneFlags struct {
	olderThan time.Duration
	dryRun    bool
}

// NewPruneCommand creates the "prune" cobra command.
func NewPruneCommand() *cobra.Command {
	flags := &pruneFlags{}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove leftover environments",
		Long: `Remove every compose-fixture project started longer ago than --older-than.

Projects without a readable start time are left alone.

Examples:
  compose-fixture prune
  compose-fixture prune --older-than 10m --dry-run`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := runPrune(cmd.Context(), flags, newLogger())
			if IsJSONOutput() {
				if werr := writeJSON(cmd, map[string]any{"removed": removed, "dryRun": flags.dryRun}); werr != nil {
					return werr
				}
			} else {
				verb := "Removed"
				if flags.dryRun {
					verb = "Would remove"
				}
				for _, p := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, p)
				}
				if len(removed) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
				}
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&flags.olderThan, "older-than", time.Hour, "Minimum age of a project to remove")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Only print what would be removed")

	return cmd
}

// runPrune removes stale projects. It keeps going after a failed removal
// and returns the projects it removed together with all failures.
func runPrune(ctx context.Context, flags *pruneFlags, logger hclog.Logger) ([]string, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cli.Close() }()

	// Step 1: Only projects carrying the managed label are candidates.
	// Projects started by plain `docker compose` are never touched.
	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return nil, err
	}

	// Step 2: Select the projects older than the cutoff.
	groups := docker.GroupContainersByProject(containers)
	stale := staleProjects(groups, time.Now().Add(-flags.olderThan), logger)

	// Step 3: Remove them one by one. A failure is recorded and the loop
	// goes on, so one stuck project does not shield the others.
	removed := []string{}
	var result *multierror.Error
	for _, project := range stale {
		if flags.dryRun {
			removed = append(removed, project)
			continue
		}
		logger.Info("removing stale project", "project", project)
		if err := projectCompose(project, groups[project]).Down(ctx, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("project %s: %w", project, err))
			continue
		}
		removed = append(removed, project)
	}

	if err := result.ErrorOrNil(); err != nil {
		return removed, model.WrapCLIError(model.ExitDockerNotRunning, "some projects could not be removed", err)
	}
	return removed, nil
}

// staleProjects returns the projects started before cutoff, sorted.
func staleProjects(groups map[string][]model.ContainerInfo, cutoff time.Time, logger hclog.Logger) []string {
	var stale []string
	for project, containers := range groups {
		started, err := docker.ParseStartedAt(containers[0].Labels)
		if err != nil {
			logger.Warn("skipping project without start time", "project", project, "error", err)
			continue
		}
		if started.Before(cutoff) {
			stale = append(stale, project)
		}
	}
	sort.Strings(stale)
	return stale
}
