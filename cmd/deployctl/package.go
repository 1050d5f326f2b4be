package main

import (
	"fmt"

	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/inspector"
	"github.com/narvanalabs/deployctl/internal/packager"
	"github.com/spf13/cobra"
)

func newPackageCmd(a *app) *cobra.Command {
	var (
		environment string
		outputDir   string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "package [path] --environment name",
		Short: "Build the deployment archive for an environment without deploying",
		Args:  cobra.MaximumNArgs(1),
	}
	flags := cmd.Flags()
	flags.StringVar(&environment, "environment", "", "Environment name used in the artifact name")
	flags.StringVarP(&outputDir, "output", "o", "", "Artifact output directory (env DEPLOYCTL_OUTPUT_DIR)")
	flags.StringVar(&format, "format", "json", "Output format: json or yaml")
	_ = cmd.MarkFlagRequired("environment")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		if outputDir == "" {
			outputDir = a.cfg.OutputDir
		}

		inspection, err := inspector.NewInspector().Inspect(ctx, root)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", root, err)
		}

		artifact, err := a.newBuilder().Build(ctx, packager.BuildRequest{
			Root:        root,
			Component:   a.cfg.Component,
			Environment: environment,
			Inspection:  inspection,
			OutputDir:   outputDir,
		})
		if err != nil {
			a.log.Error("packaging failed", "error", err, "suggestions", suggestions(err))
			return &exitError{code: exitCodeFor(err)}
		}
		return printResult(a.stdout, format, artifact)
	}
	return cmd
}

func suggestions(err error) []string {
	if pe, ok := pipelineerrors.As(err); ok {
		return pe.Suggestions
	}
	return nil
}
