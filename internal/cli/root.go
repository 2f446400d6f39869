// Package cli implements the cobra-based CLI commands for compose-fixture.
//
// Each subcommand (check, up, ps, down, run, prune) is defined in its own
// file within this package. This file defines the root command that serves
// as the parent for all subcommands and handles global flags.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/compose-fixture/internal/config"
	"github.com/shinji-kodama/compose-fixture/internal/model"
	"github.com/shinji-kodama/compose-fixture/pkg/probe"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// It also switches the logger to JSON lines.
	jsonOutput bool

	// verbose enables debug logging on stderr.
	verbose bool

	// configPath is the fixture config file. Empty means
	// compose-fixture.jsonc in the working directory, if present.
	configPath string

	// composeFiles replace the config's composeFiles when set.
	composeFiles []string

	// projectName replaces the config's project when set.
	projectName string
)

// Version, Commit, and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It only provides
// help text and global flags; subcommands do the work.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "compose-fixture",
		Short: "Docker Compose environments for integration tests",
		Long: `compose-fixture starts a docker compose topology in dependency order,
waits until every service passes its readiness probes, and tears the
project down again.

The same configuration drives the Go test helpers in pkg/fixture, so an
environment that works from the command line works in tests.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors lets Execute format errors (text or JSON).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVar(&configPath, "config", "", "Fixture config file (default: ./"+config.DefaultFileName+" if present)")
	flags.StringArrayVarP(&composeFiles, "file", "f", nil, "Compose file; repeat to merge several (overrides the config)")
	flags.StringVarP(&projectName, "project", "p", "", "Compose project name (overrides the config)")

	rootCmd.AddCommand(NewCheckCommand())
	rootCmd.AddCommand(NewUpCommand())
	rootCmd.AddCommand(NewPsCommand())
	rootCmd.AddCommand(NewDownCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewPruneCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// SIGINT and SIGTERM cancel the command's context. A command that started
// an environment then tears it down before exiting.
func Execute(rootCmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	// The child of `run` already reported its own failure.
	var status *exitStatusError
	if !errors.As(err, &status) {
		printError(err)
	}
	os.Exit(int(exitCode(err)))
}

// exitCode translates an error into the process exit code.
//
// A readiness timeout wins over anything else in the chain: when Start
// fails because a probe gave up, the teardown errors joined to it are
// secondary.
func exitCode(err error) model.ExitCode {
	var status *exitStatusError
	if errors.As(err, &status) {
		return model.ExitCode(status.code)
	}
	if errors.Is(err, probe.ErrNotReady) {
		return model.ExitNotReady
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return model.ExitGeneralError
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(err error) {
	message := err.Error()
	var detail string
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && cliErr.Err != nil && cliErr.Error() == message {
		message = cliErr.Message
		detail = cliErr.Err.Error()
	}

	if jsonOutput {
		errObj := map[string]any{"message": message}
		if detail != "" {
			errObj["detail"] = detail
		}
		// stdout is reserved for successful command output, even in JSON mode.
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if detail != "" {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", message, detail)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// newLogger builds the CLI logger from the global flags.
func newLogger() hclog.Logger {
	level := hclog.Info
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "compose-fixture",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: jsonOutput,
	})
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig loads the fixture config, applies the COMPOSE_FIXTURE_*
// environment and then the global flags, and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if len(composeFiles) > 0 {
		cfg.ComposeFiles = composeFiles
	}
	if projectName != "" {
		cfg.Project = projectName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeJSON prints v as indented JSON on stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
