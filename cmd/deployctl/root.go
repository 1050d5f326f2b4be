package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/narvanalabs/deployctl/internal/api"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/pkg/config"
	"github.com/narvanalabs/deployctl/pkg/logger"
	"github.com/spf13/cobra"
)

const (
	// ReturnCodeSuccess is returned when a command completes.
	ReturnCodeSuccess = 0
	// ReturnCodeError is returned for usage and setup errors.
	ReturnCodeError = 1
)

// exitError carries a pipeline exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// globalOptions are flags shared by every subcommand. Flags override the
// environment variables read by config.LoadWithDefaults.
type globalOptions struct {
	environments string
	component    string
	logLevel     string
	logJSON      bool
}

// app is the state shared by subcommands after flag parsing.
type app struct {
	opts   globalOptions
	cfg    *config.Config
	log    *logger.Logger
	stdout io.Writer
	stderr io.Writer
}

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	cmd := CobraRoot(stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ReturnCodeSuccess
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ReturnCodeError
}

// CobraRoot builds the command tree.
func CobraRoot(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "deployctl",
		Short:         "Package and deploy serverless functions from git refs",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.opts.environments, "environments", "e", "", "Environments file (env DEPLOYCTL_ENVIRONMENTS)")
	flags.StringVarP(&a.opts.component, "component", "c", "", "Component name (env DEPLOYCTL_COMPONENT)")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.BoolVar(&a.opts.logJSON, "log-json", true, "Log as JSON (env LOG_JSON)")

	cmd.AddCommand(
		newRunCmd(a),
		newInspectCmd(a),
		newPackageCmd(a),
		newResolveCmd(a),
		newMigrateCmd(a),
		newServeCmd(a),
	)
	return cmd
}

// load reads configuration and builds the logger. The environments file is
// read when it exists or was named explicitly.
func (a *app) load(cmd *cobra.Command) error {
	cfg := config.LoadWithDefaults()
	flags := cmd.Flags()

	if flags.Changed("component") {
		cfg.Component = a.opts.component
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.opts.logLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = a.opts.logJSON
	}
	explicit := flags.Changed("environments") || os.Getenv("DEPLOYCTL_ENVIRONMENTS") != ""
	if flags.Changed("environments") {
		cfg.EnvironmentsFile = a.opts.environments
	}

	if cfg.EnvironmentsFile != "" {
		_, statErr := os.Stat(cfg.EnvironmentsFile)
		if explicit || statErr == nil {
			file, err := config.LoadEnvironmentsFile(cfg.EnvironmentsFile)
			if err != nil {
				return err
			}
			cfg.Environments = file.Environments
			if file.Component != "" && !flags.Changed("component") && os.Getenv("DEPLOYCTL_COMPONENT") == "" {
				cfg.Component = file.Component
			}
		}
	}

	a.cfg = cfg
	a.log = logger.NewWithWriter(a.stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	return nil
}

// exitCodeFor returns the pipeline exit code of err, or ReturnCodeError for
// errors outside the pipeline taxonomy.
func exitCodeFor(err error) int {
	if kind := pipelineerrors.KindOf(err); kind != "" {
		return kind.ExitCode()
	}
	return ReturnCodeError
}
