// ps.go implements the "compose-fixture ps" command.
//
// The ps command lists compose-fixture projects by querying Docker for
// containers carrying the "compose-fixture.managed-by" label. Containers
// are grouped by project and presented as a text table or JSON, depending
// on the --json flag. With --project only that project is listed, whether
// or not compose-fixture started it.

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/docker"
	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// NewPsCommand creates the "ps" cobra command.
func NewPsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List environments and their containers",
		Long: `List compose-fixture projects with their containers and published ports.

Examples:
  compose-fixture ps
  compose-fixture ps -p fixture-1a2b3c4d
  compose-fixture ps --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := listProjects(cmd.Context(), projectName)
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return writeJSON(cmd, psResult{Projects: projects})
			}
			printPsResultText(cmd.OutOrStdout(), projects, time.Now())
			return nil
		},
	}
}

// psProject is one project in the ps output.
type psProject struct {
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	Managed    bool          `json:"managed"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	Containers []psContainer `json:"containers"`
}

type psContainer struct {
	Service string              `json:"service"`
	Name    string              `json:"name"`
	Status  string              `json:"status"`
	Ports   []model.PortMapping `json:"ports"`
}

type psResult struct {
	Projects []psProject `json:"projects"`
}

// listProjects returns the containers of one project, or of every managed
// project when project is empty.
func listProjects(ctx context.Context, project string) ([]psProject, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cli.Close() }()

	// Without --project, list every project carrying the managed label.
	// With it, list by the compose project label alone, so projects
	// started by plain `docker compose` show up too.
	var containers []model.ContainerInfo
	if project != "" {
		containers, err = docker.ListProjectContainers(ctx, cli, project)
	} else {
		containers, err = docker.ListManagedContainers(ctx, cli)
	}
	if err != nil {
		return nil, err
	}
	return groupProjects(containers), nil
}

// groupProjects builds the ps rows, sorted by project name.
func groupProjects(containers []model.ContainerInfo) []psProject {
	groups := docker.GroupContainersByProject(containers)

	projects := make([]psProject, 0, len(groups))
	for name, group := range groups {
		p := psProject{
			Name:       name,
			Status:     docker.ProjectStatus(group),
			Managed:    docker.IsManaged(group[0].Labels),
			Containers: make([]psContainer, 0, len(group)),
		}
		// Every container of a project carries the same labels, so the
		// first one speaks for the project. Projects started without
		// compose-fixture have no start time and show no age.
		if started, err := docker.ParseStartedAt(group[0].Labels); err == nil {
			p.StartedAt = &started
		}
		for _, c := range group {
			// JSON consumers get [] rather than null for a container
			// that publishes nothing.
			ports := c.Ports
			if ports == nil {
				ports = []model.PortMapping{}
			}
			p.Containers = append(p.Containers, psContainer{
				Service: c.ServiceName,
				Name:    c.ContainerName,
				Status:  c.Status,
				Ports:   ports,
			})
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].Name < projects[j].Name
	})
	return projects
}

// printPsResultText outputs one row per container:
//
//	PROJECT            SERVICE   STATUS    AGE   PORTS
//	fixture-1a2b3c4d   db        running   2m    49153->5432/tcp
func printPsResultText(w io.Writer, projects []psProject, now time.Time) {
	if len(projects) == 0 {
		fmt.Fprintln(w, "No compose-fixture environments found.")
		return
	}

	fmt.Fprintf(w, "%-24s %-16s %-10s %-6s %s\n", "PROJECT", "SERVICE", "STATUS", "AGE", "PORTS")
	for _, p := range projects {
		age := "-"
		if p.StartedAt != nil {
			age = formatAge(now.Sub(*p.StartedAt))
		}
		for _, c := range p.Containers {
			fmt.Fprintf(w, "%-24s %-16s %-10s %-6s %s\n", p.Name, c.Service, c.Status, age, FormatPorts(c.Ports))
		}
	}
}

// FormatPorts renders port bindings as "public->private/proto", sorted by
// private port and deduplicated across IPv4 and IPv6 bindings. Returns "-"
// if nothing is published.
//
// Example:
//
//	[{PrivatePort: 5432, PublicPort: 49153, Protocol: "tcp"}] → "49153->5432/tcp"
//	[]                                                        → "-"
func FormatPorts(mappings []model.PortMapping) string {
	type key struct {
		private, public int
		proto           string
	}
	seen := make(map[key]bool)
	var keys []key
	for _, m := range mappings {
		if m.PublicPort == 0 {
			continue
		}
		k := key{m.PrivatePort, m.PublicPort, m.Protocol}
		if k.proto == "" {
			k.proto = "tcp"
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "-"
	}

	// Numeric order; lexicographic would put "15432" before "3000".
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].private != keys[j].private {
			return keys[i].private < keys[j].private
		}
		return keys[i].proto < keys[j].proto
	})

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.Itoa(k.public) + "->" + strconv.Itoa(k.private) + "/" + k.proto
	}
	return strings.Join(parts, ",")
}

// formatAge renders a duration the way `docker ps` does, coarsely.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
