package main

import (
	"encoding/json"
	"os"

	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type runOptions struct {
	root        string
	ref         string
	sha         string
	pullRequest int
	runID       string
	strict      bool
	outputDir   string
	jsonReport  bool
}

func (o *runOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.root, "root", ".", "Project checkout to package")
	flags.StringVar(&o.ref, "ref", "", "Git ref that triggered the run (env GITHUB_REF)")
	flags.StringVar(&o.sha, "sha", "", "Commit SHA (env GITHUB_SHA)")
	flags.IntVar(&o.pullRequest, "pull-request", 0, "Pull request to comment on; read from GITHUB_EVENT_PATH when unset")
	flags.StringVar(&o.runID, "run-id", "", "Run identifier; generated when empty")
	flags.BoolVar(&o.strict, "strict", false, "Fail with exit code 4 when the runtime is unknown (env UNKNOWN_IS_FATAL)")
	flags.StringVarP(&o.outputDir, "output", "o", "", "Artifact output directory (env DEPLOYCTL_OUTPUT_DIR)")
	flags.BoolVar(&o.jsonReport, "json", false, "Print the run report as JSON on stdout")
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect, package, resolve, deploy and report for one ref",
		Long: "Runs the full pipeline for the current checkout. The exit code is 0 when " +
			"deployed or when no environment matches, 1 on build failure, 2 when promotion " +
			"is blocked, 3 on platform or credential failure and 4 for an unknown runtime in strict mode.",
		Args: cobra.NoArgs,
	}
	opts.AddFlags(cmd.Flags())

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if opts.strict {
			a.cfg.UnknownIsFatal = true
		}
		if opts.outputDir != "" {
			a.cfg.OutputDir = opts.outputDir
		}

		b, err := a.openBackends(ctx)
		if err != nil {
			a.log.Error("failed to open backends", "error", err)
			return &exitError{code: exitCodeFor(err)}
		}
		defer b.Close()

		p, _, err := a.newPipeline(b, nil, true)
		if err != nil {
			a.log.Error("invalid environments", "error", err)
			return &exitError{code: exitCodeFor(err)}
		}

		report := p.Run(ctx, pipeline.Request{
			Root:    opts.root,
			Trigger: a.trigger(opts),
			RunID:   opts.runID,
		})

		if opts.jsonReport {
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
		if report.ExitCode != 0 {
			return &exitError{code: report.ExitCode}
		}
		return nil
	}
	return cmd
}

// trigger combines flags with the Actions runner environment.
func (a *app) trigger(opts runOptions) models.Trigger {
	gh := a.cfg.GitHub
	t := models.Trigger{
		Repository:  gh.Repository,
		Ref:         gh.Ref,
		SHA:         gh.SHA,
		PullRequest: opts.pullRequest,
		RunURL:      gh.RunURL(),
		Component:   a.cfg.Component,
	}
	if opts.ref != "" {
		t.Ref = opts.ref
	}
	if opts.sha != "" {
		t.SHA = opts.sha
	}
	if t.PullRequest == 0 && gh.EventPath != "" {
		if payload, err := os.ReadFile(gh.EventPath); err == nil {
			t.PullRequest = github.PullRequestNumber(payload)
		} else {
			a.log.Warn("failed to read event payload", "path", gh.EventPath, "error", err)
		}
	}
	return t
}
