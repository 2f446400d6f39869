package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// Levels groups the topology's services into dependency levels.
//
// Level 0 holds services without dependencies; level N holds services whose
// dependencies all live in levels < N. Services inside a level have no
// ordering constraint between them and are sorted by name so the result is
// deterministic. Starting levels in order and stopping them in reverse
// order honors every depends_on edge.
//
// Returns a CLIError with ExitInvalidConfig when a service depends on an
// undeclared service or when the dependencies form a cycle.
func Levels(topo *model.Topology) ([][]string, error) {
	// Step 1: Build the graph.
	//
	// indegree counts unresolved dependencies per service; dependents is
	// the reverse edge list used to release services as levels complete.
	indegree := make(map[string]int, len(topo.Services))
	dependents := make(map[string][]string, len(topo.Services))

	for _, name := range topo.ServiceNames() {
		svc := topo.Services[name]
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, ok := topo.Services[dep]; !ok {
				return nil, model.NewCLIError(model.ExitInvalidConfig,
					fmt.Sprintf("service %q depends on undeclared service %q", name, dep))
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Step 2: Level 0 is every service with nothing to wait for.
	var current []string
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	// Step 3: Peel off one level at a time. A service joins the next
	// level as soon as its last dependency was placed.
	var levels [][]string
	placed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Step 4: Services never released sit on a cycle, or depend on one.
	if placed != len(topo.Services) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("dependency cycle between services: %s", strings.Join(cyclic, ", ")))
	}

	return levels, nil
}

// Reverse returns a copy of levels in reverse order, for teardown.
func Reverse(levels [][]string) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		out[len(levels)-1-i] = level
	}
	return out
}

// Flatten returns all services in start order.
func Flatten(levels [][]string) []string {
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out
}
