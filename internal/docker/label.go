package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
)

// Labels written by docker compose on every container it creates. They are
// how a container is attributed to a project and a service.
const (
	// LabelComposeProject holds the compose project name (-p).
	LabelComposeProject = "com.docker.compose.project"

	// LabelComposeService holds the service key from the compose file.
	LabelComposeService = "com.docker.compose.service"

	// LabelComposeContainerNumber is the replica index, starting at 1.
	LabelComposeContainerNumber = "com.docker.compose.container-number"

	// LabelComposeOneoff is "True" for `docker compose run` containers.
	LabelComposeOneoff = "com.docker.compose.oneoff"

	// LabelComposeConfigFiles is the comma separated list of compose files
	// the project was created from.
	LabelComposeConfigFiles = "com.docker.compose.project.config_files"

	// LabelComposeWorkingDir is the project directory.
	LabelComposeWorkingDir = "com.docker.compose.project.working_dir"
)

// Labels compose-fixture adds through a generated override file.
//
// All keys share the "compose-fixture." prefix to avoid collisions with
// labels set by compose or by the services themselves.
const (
	// LabelPrefix is the common prefix for all compose-fixture labels.
	LabelPrefix = "compose-fixture."

	// LabelManagedBy marks containers started by compose-fixture.
	// Key: "compose-fixture.managed-by", Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelStartedAt is the RFC3339 time the environment started. The
	// `prune` command uses it to find environments leaked by crashed runs.
	LabelStartedAt = LabelPrefix + "started-at"

	// LabelOwnerPID is the process that started the environment.
	LabelOwnerPID = LabelPrefix + "owner-pid"
)

// ManagedByValue is the constant value of LabelManagedBy.
const ManagedByValue = "compose-fixture"

// BuildLabels constructs the label map stamped onto every service of an
// environment.
func BuildLabels(startedAt time.Time, ownerPID int) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		// UTC keeps the value independent of the host's timezone.
		LabelStartedAt: startedAt.UTC().Format(time.RFC3339),
		LabelOwnerPID:  strconv.Itoa(ownerPID),
	}
}

// IsManaged reports whether the labels carry the compose-fixture marker.
func IsManaged(labels map[string]string) bool {
	return labels[LabelManagedBy] == ManagedByValue
}

// ParseStartedAt reads LabelStartedAt.
func ParseStartedAt(labels map[string]string) (time.Time, error) {
	raw, ok := labels[LabelStartedAt]
	if !ok {
		return time.Time{}, fmt.Errorf("missing label %s", LabelStartedAt)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid label %s: %w", LabelStartedAt, err)
	}
	return t, nil
}

// IsOneOff reports whether the container was created by `docker compose run`.
// Such containers are not part of the service topology.
func IsOneOff(labels map[string]string) bool {
	return strings.EqualFold(labels[LabelComposeOneoff], "true")
}

// ContainerNumber returns the replica index, or 1 when the label is
// missing or malformed.
func ContainerNumber(labels map[string]string) int {
	n, err := strconv.Atoi(labels[LabelComposeContainerNumber])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ConfigFiles returns the compose files recorded on a container, so a
// project can be torn down without the caller knowing its files.
func ConfigFiles(labels map[string]string) []string {
	raw := labels[LabelComposeConfigFiles]
	if raw == "" {
		return nil
	}
	var files []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

// ProjectFilter returns a Docker API filter matching one compose project.
func ProjectFilter(project string) filters.Args {
	return filters.NewArgs(
		filters.Arg("label", LabelComposeProject+"="+project),
	)
}

// ManagedFilter returns a Docker API filter matching every container
// started by compose-fixture, across projects.
func ManagedFilter() filters.Args {
	return filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)
}
