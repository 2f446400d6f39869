// run.go implements the "compose-fixture run" command.
//
// The run command wraps a test command: it starts the environment, runs
// the command with every published port exported as an environment
// variable, and tears the environment down however the command ends. The
// command's exit code becomes compose-fixture's exit code, so CI sees the
// test result unchanged.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/fixture"
)

// envPrefix starts every variable run exports to the wrapped command.
const envPrefix = "COMPOSE_FIXTURE_"

// stopTimeout bounds teardown after the wrapped command ended, which may
// be after an interrupt cancelled the command context.
const stopTimeout = 2 * time.Minute

// exitStatusError carries the wrapped command's non-zero exit status.
type exitStatusError struct {
	code int
}

func (e *exitStatusError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command against a fresh environment",
		Long: `Start the environment, run a command, and tear the environment down.

The command sees one variable per published port,
COMPOSE_FIXTURE_<SERVICE>_<PORT>=host:port, plus
COMPOSE_FIXTURE_<SERVICE>_HOST=host. Service names are upper-cased and
characters other than letters and digits become underscores; UDP ports
get a _UDP suffix.

Examples:
  compose-fixture run -- go test ./...
  compose-fixture run --config ci.jsonc -- make integration`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrapped(cmd, args)
		},
	}
}

// runWrapped is the main logic function for the run command.
func runWrapped(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	// Step 1: Start the environment. A failed start leaves nothing
	// behind, so there is nothing to stop.
	env, err := startEnvironment(ctx, logger)
	if err != nil {
		return err
	}

	// Step 2: Run the command with the published ports in its
	// environment. Its stdin and output are passed through untouched.
	runErr := func() error {
		ports, err := servicePorts(env)
		if err != nil {
			return err
		}

		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Env = append(os.Environ(), portEnv(ports)...)
		c.Stdin = os.Stdin
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()

		logger.Debug("running command", "args", args)
		return c.Run()
	}()

	// Step 3: Tear down however the command ended. An interrupt cancels
	// ctx, so teardown runs on a detached context of its own.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopErr := env.Stop(stopCtx)

	// Step 4: The command's result decides the exit code. A teardown
	// failure only surfaces on its own when the command succeeded.
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return stopErr
	case errors.As(runErr, &exitErr):
		if stopErr != nil {
			logger.Error("teardown failed", "error", stopErr)
		}
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = int(model.ExitGeneralError)
		}
		return &exitStatusError{code: code}
	default:
		if stopErr != nil {
			logger.Error("teardown failed", "error", stopErr)
		}
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("failed to run %q", args[0]), runErr)
	}
}

// portEnv turns published ports into sorted KEY=value pairs.
func portEnv(ports map[string][]fixture.Port) []string {
	var env []string
	for service, list := range ports {
		prefix := envPrefix + envName(service)
		if len(list) > 0 {
			env = append(env, prefix+"_HOST="+list[0].IP)
		}
		for _, p := range list {
			key := prefix + "_" + strconv.Itoa(p.Internal)
			if p.Protocol == "udp" {
				key += "_UDP"
			}
			env = append(env, key+"="+p.Address())
		}
	}
	sort.Strings(env)
	return env
}

// envName converts a service name into an environment variable fragment.
func envName(service string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, service)
}
