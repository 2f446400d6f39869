// up.go implements the "compose-fixture up" command.
//
// The up command starts an environment exactly as a test would, then
// exits and leaves it running. It is meant for debugging a topology or
// for running tests by hand against a long-lived environment; the project
// is removed later with "compose-fixture down".

package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/pkg/fixture"
)

// NewUpCommand creates the "up" cobra command.
func NewUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start an environment and leave it running",
		Long: `Start the topology level by level, wait for every probe, and print
the host address of every published port.

If startup fails the environment is torn down again. On success it
keeps running after this command exits.

Examples:
  compose-fixture up
  compose-fixture up -p my-env --config testdata/compose-fixture.jsonc
  compose-fixture up --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			// The environment is left running: up hands it
			// over to the user, who removes it with down.
			env, err := startEnvironment(cmd.Context(), newLogger())
			if err != nil {
				return err
			}
			ports, err := servicePorts(env)
			if err != nil {
				return err
			}

			if IsJSONOutput() {
				return writeJSON(cmd, newUpResult(env.Project(), ports))
			}
			printUpResultText(cmd.OutOrStdout(), env.Project(), ports)
			return nil
		},
	}
}

// upResult is the JSON output of up.
type upResult struct {
	Project  string            `json:"project"`
	Services []upServiceResult `json:"services"`
}

type upServiceResult struct {
	Name  string         `json:"name"`
	Ports []fixture.Port `json:"ports"`
}

func newUpResult(project string, ports map[string][]fixture.Port) upResult {
	result := upResult{Project: project, Services: make([]upServiceResult, 0, len(ports))}
	for _, service := range sortedKeys(ports) {
		result.Services = append(result.Services, upServiceResult{Name: service, Ports: ports[service]})
	}
	return result
}

// printUpResultText prints one row per published port:
//
//	SERVICE  PORT      ADDRESS
//	db       5432/tcp  127.0.0.1:49153
func printUpResultText(w io.Writer, project string, ports map[string][]fixture.Port) {
	fmt.Fprintf(w, "Environment %q is ready.\n\n", project)
	fmt.Fprintf(w, "%-20s %-10s %s\n", "SERVICE", "PORT", "ADDRESS")
	for _, service := range sortedKeys(ports) {
		if len(ports[service]) == 0 {
			fmt.Fprintf(w, "%-20s %-10s %s\n", service, "-", "-")
			continue
		}
		for _, p := range ports[service] {
			fmt.Fprintf(w, "%-20s %-10s %s\n", service, fmt.Sprintf("%d/%s", p.Internal, p.Protocol), p.Address())
		}
	}
	fmt.Fprintf(w, "\nRemove it with: compose-fixture down -p %s\n", project)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
