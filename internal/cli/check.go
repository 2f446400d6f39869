// check.go implements the "compose-fixture check" command.
//
// The check command validates the topology and the fixture config without
// touching Docker: it loads and merges the compose files, computes the
// start order, resolves every wait into a probe, and reports pinned host
// ports that are already taken on this machine.

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/internal/port"
	"github.com/shinji-kodama/compose-fixture/internal/topology"
)

// NewCheckCommand creates the "check" cobra command.
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the topology and config",
		Long: `Load the compose files and the fixture config and report problems.

Prints the dependency levels services start in, the probe each wait
resolves to, and pinned host ports that are already in use.

Examples:
  compose-fixture check
  compose-fixture check -f docker-compose.yml -f docker-compose.ci.yml
  compose-fixture check --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			result, err := buildCheckResult(cfg, port.NewScanner())
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return writeJSON(cmd, result)
			}
			printCheckResultText(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

// checkResult is the outcome of a successful check.
type checkResult struct {
	Project   string            `json:"project,omitempty"`
	Files     []string          `json:"files"`
	Levels    [][]string        `json:"levels"`
	Order     []string          `json:"startOrder"`
	Waits     map[string]string `json:"waits"`
	Conflicts []string          `json:"portConflicts"`
}

// buildCheckResult loads the topology named by cfg and checks cfg against
// it. Port conflicts are reported, not returned as errors: the check may
// run while an earlier environment is still up.
func buildCheckResult(cfg *config.Config, scanner *port.Scanner) (*checkResult, error) {
	// Step 1: Load the topology and order it, exactly as Start would.
	// check never contacts Docker, so it is safe in a pre-commit hook.
	topo, err := topology.Load(cfg.ComposeFiles...)
	if err != nil {
		return nil, err
	}
	levels, err := topology.Levels(topo)
	if err != nil {
		return nil, err
	}

	result := &checkResult{
		Project:   cfg.Project,
		Files:     topo.Files,
		Levels:    levels,
		Order:     topology.Flatten(levels),
		Waits:     make(map[string]string, len(cfg.Waits)),
		Conflicts: []string{},
	}

	// Step 2: Every wait must name a declared service. Unknown names are
	// collected so one run reports all of them.
	var unknown []string
	for _, service := range cfg.WaitServices() {
		if _, ok := topo.Service(service); !ok {
			unknown = append(unknown, service)
			continue
		}
		p, err := cfg.Waits[service].Probe()
		if err != nil {
			return nil, err
		}
		result.Waits[service] = p.String()
	}
	if len(unknown) > 0 {
		return nil, model.NewCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("waits reference services not in the topology: %s (declared: %s)",
				strings.Join(unknown, ", "), strings.Join(topo.ServiceNames(), ", ")),
		)
	}

	// Step 3: Busy fixed host ports are only warnings here. The port may
	// be freed before the environment is started.
	for _, c := range scanner.Preflight(topo) {
		result.Conflicts = append(result.Conflicts, c.String())
	}
	return result, nil
}

// printCheckResultText prints the check result for humans:
//
//	Files:   /src/testdata/docker-compose.yml
//	Project: (random per run)
//	Start order:
//	  1. cache, db
//	  2. web
//	Waits:
//	  db   postgres on port 5432 as "postgres"
func printCheckResultText(w io.Writer, r *checkResult) {
	project := r.Project
	if project == "" {
		project = "(random per run)"
	}
	fmt.Fprintf(w, "Files:   %s\n", strings.Join(r.Files, ", "))
	fmt.Fprintf(w, "Project: %s\n", project)

	fmt.Fprintln(w, "Start order:")
	for i, level := range r.Levels {
		fmt.Fprintf(w, "  %d. %s\n", i+1, strings.Join(level, ", "))
	}

	if len(r.Waits) > 0 {
		services := make([]string, 0, len(r.Waits))
		width := 0
		for s := range r.Waits {
			services = append(services, s)
			width = max(width, len(s))
		}
		sort.Strings(services)

		fmt.Fprintln(w, "Waits:")
		for _, s := range services {
			fmt.Fprintf(w, "  %-*s  %s\n", width, s, r.Waits[s])
		}
	}

	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "Warning: %s\n", c)
	}
}
