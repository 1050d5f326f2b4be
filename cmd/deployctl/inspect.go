package main

import (
	"encoding/json"
	"fmt"
	"io"

	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/inspector"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// printResult writes command results as JSON or YAML.
func printResult(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newInspectCmd(a *app) *cobra.Command {
	var (
		format string
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [path]",
		Short: "Classify a project by runtime",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit 4 when the runtime is unknown")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}

		result, err := inspector.NewInspector().Inspect(cmd.Context(), root)
		if err != nil {
			return err
		}
		if result.Ambiguous {
			a.log.Warn("ambiguous classification", "error", pipelineerrors.NewAmbiguousClassificationWarning(result.Markers))
		}
		if err := printResult(a.stdout, format, result); err != nil {
			return err
		}
		if result.Classification == models.ClassificationUnknown && (strict || a.cfg.UnknownIsFatal) {
			return &exitError{code: pipelineerrors.ExitUnknownRuntime}
		}
		return nil
	}
	return cmd
}
