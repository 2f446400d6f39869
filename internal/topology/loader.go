package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/compose-fixture/internal/model"
)

// composeFile represents the parts of a compose file that orchestration
// cares about. Unknown keys (networks, volumes, x-* extensions, ...) are
// ignored by the decoder.
type composeFile struct {
	// Name is the optional top-level project name.
	Name string `yaml:"name"`

	// Services maps service keys to their definitions.
	Services map[string]composeService `yaml:"services"`
}

// composeService is a single service block.
type composeService struct {
	Image       string       `yaml:"image"`
	Ports       []yaml.Node  `yaml:"ports"`
	DependsOn   dependsOn    `yaml:"depends_on"`
	Healthcheck *healthcheck `yaml:"healthcheck"`
}

// healthcheck captures only whether a healthcheck is in effect.
type healthcheck struct {
	Test    yaml.Node `yaml:"test"`
	Disable bool      `yaml:"disable"`
}

// enabled reports whether the healthcheck will actually run. Compose
// treats `disable: true` and `test: ["NONE"]` as "no healthcheck".
func (h *healthcheck) enabled() bool {
	if h == nil || h.Disable {
		return false
	}
	if h.Test.Kind == yaml.SequenceNode && len(h.Test.Content) > 0 {
		return !strings.EqualFold(h.Test.Content[0].Value, "NONE")
	}
	// A block without `test` inherits the image's HEALTHCHECK.
	return true
}

// dependsOn accepts both compose forms:
//
//	depends_on: [db, cache]
//	depends_on:
//	  db:
//	    condition: service_healthy
type dependsOn []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *dependsOn) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return fmt.Errorf("invalid depends_on list: %w", err)
		}
		*d = list
		return nil

	case yaml.MappingNode:
		// Mapping nodes store keys and values alternately in Content.
		names := make([]string, 0, len(node.Content)/2)
		for i := 0; i < len(node.Content); i += 2 {
			names = append(names, node.Content[i].Value)
		}
		*d = names
		return nil

	default:
		return fmt.Errorf("depends_on must be a list or a mapping (line %d)", node.Line)
	}
}

// Loader reads compose files. Lookup resolves variables during
// interpolation and defaults to os.LookupEnv.
type Loader struct {
	Lookup LookupFunc
}

// NewLoader creates a Loader that interpolates from the process environment.
func NewLoader() *Loader {
	return &Loader{Lookup: os.LookupEnv}
}

// Load is a shorthand for NewLoader().Load(paths...).
func Load(paths ...string) (*model.Topology, error) {
	return NewLoader().Load(paths...)
}

// Load reads the given compose files and merges them in order into a
// single Topology. At least one path is required.
//
// Returns a CLIError with ExitTopologyNotFound when a file cannot be read
// and ExitInvalidConfig when a file is malformed or declares no services.
func (l *Loader) Load(paths ...string) (*model.Topology, error) {
	if len(paths) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig, "no compose files given")
	}

	topo := &model.Topology{
		Services: make(map[string]*model.Service),
	}

	for _, path := range paths {
		// Step 1: Resolve the path. Absolute paths survive a later chdir
		// and are what compose records in its config-files label.
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve compose file path %q: %w", path, err)
		}

		// Step 2: Read, interpolate and decode the file.
		file, err := l.readFile(abs)
		if err != nil {
			return nil, err
		}

		if file.Name != "" {
			topo.Name = file.Name
		}
		topo.Files = append(topo.Files, abs)

		// Step 3: Merge services into what earlier files declared. A
		// later file overrides single values and extends lists, the way
		// `docker compose -f a.yml -f b.yml` does.
		for name, raw := range file.Services {
			svc, err := toService(name, raw)
			if err != nil {
				return nil, model.WrapCLIError(
					model.ExitInvalidConfig,
					fmt.Sprintf("invalid service %q in %s", name, abs),
					err,
				)
			}
			if existing, ok := topo.Services[name]; ok {
				mergeService(existing, svc, raw.Healthcheck != nil)
			} else {
				topo.Services[name] = svc
			}
		}
	}

	if len(topo.Services) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidConfig,
			fmt.Sprintf("no services declared in %s", strings.Join(topo.Files, ", ")))
	}

	return topo, nil
}

// readFile reads, interpolates and decodes one compose file.
func (l *Loader) readFile(path string) (*composeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.WrapCLIError(
				model.ExitTopologyNotFound,
				fmt.Sprintf("compose file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read compose file %s: %w", path, err)
	}

	// Decode into a node tree first so interpolation only touches scalar
	// values. Running it over the raw text would also rewrite comments.
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("failed to parse compose file %s", path),
			err,
		)
	}

	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := interpolateNode(&root, lookup); err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("failed to interpolate compose file %s", path),
			err,
		)
	}

	var file composeFile
	if err := root.Decode(&file); err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("failed to decode compose file %s", path),
			err,
		)
	}

	return &file, nil
}

// interpolateNode walks the node tree and expands variables in every
// scalar value. Mapping keys are left untouched, as compose does.
func interpolateNode(node *yaml.Node, lookup LookupFunc) error {
	switch node.Kind {
	case yaml.ScalarNode:
		value, err := Interpolate(node.Value, lookup)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		node.Value = value
		return nil

	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			if err := interpolateNode(node.Content[i], lookup); err != nil {
				return err
			}
		}
		return nil

	default:
		// Document and sequence nodes: recurse into every child.
		for _, child := range node.Content {
			if err := interpolateNode(child, lookup); err != nil {
				return err
			}
		}
		return nil
	}
}

// toService converts a decoded service block into the domain model.
func toService(name string, raw composeService) (*model.Service, error) {
	svc := &model.Service{
		Name:           name,
		Image:          raw.Image,
		DependsOn:      uniqueSorted(raw.DependsOn),
		HasHealthcheck: raw.Healthcheck.enabled(),
	}

	for i := range raw.Ports {
		specs, err := parsePortNode(&raw.Ports[i])
		if err != nil {
			return nil, err
		}
		svc.Ports = appendPorts(svc.Ports, specs...)
	}

	for _, dep := range svc.DependsOn {
		if dep == name {
			return nil, fmt.Errorf("service depends on itself")
		}
	}

	return svc, nil
}

// mergeService applies an override file's service block onto the base
// definition. Image and healthcheck are replaced; ports and dependencies
// are merged.
func mergeService(dst, src *model.Service, healthcheckDeclared bool) {
	if src.Image != "" {
		dst.Image = src.Image
	}
	if healthcheckDeclared {
		dst.HasHealthcheck = src.HasHealthcheck
	}
	dst.Ports = appendPorts(dst.Ports, src.Ports...)
	dst.DependsOn = uniqueSorted(append(dst.DependsOn, src.DependsOn...))
}

// appendPorts appends specs that are not already present.
func appendPorts(dst []model.PortSpec, specs ...model.PortSpec) []model.PortSpec {
	for _, spec := range specs {
		dup := false
		for _, existing := range dst {
			if existing == spec {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, spec)
		}
	}
	return dst
}

// uniqueSorted returns the distinct values of in, sorted.
func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
