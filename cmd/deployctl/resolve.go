package main

import (
	"time"

	"github.com/narvanalabs/deployctl/internal/resolver"
	"github.com/spf13/cobra"
)

// resolveResult is printed by the resolve command.
type resolveResult struct {
	Ref         string    `json:"ref" yaml:"ref"`
	Environment string    `json:"environment,omitempty" yaml:"environment,omitempty"`
	Function    string    `json:"function,omitempty" yaml:"function,omitempty"`
	Chain       []string  `json:"promotion_chain,omitempty" yaml:"promotion_chain,omitempty"`
	Allowed     bool      `json:"allowed" yaml:"allowed"`
	Reason      string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Predecessor string    `json:"predecessor_attempt,omitempty" yaml:"predecessor_attempt,omitempty"`
	CheckedAt   time.Time `json:"checked_at" yaml:"checked_at"`
}

func newResolveCmd(a *app) *cobra.Command {
	var (
		ref    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "resolve --ref ref",
		Short: "Show which environment a ref deploys to and whether promotion is allowed",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&ref, "ref", "", "Git ref to resolve (env GITHUB_REF)")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ref == "" {
			ref = a.cfg.GitHub.Ref
		}

		res, err := resolver.New(a.cfg.Environments)
		if err != nil {
			a.log.Error("invalid environments", "error", err)
			return &exitError{code: exitCodeFor(err)}
		}

		b, err := a.openBackends(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		out := resolveResult{Ref: ref, CheckedAt: time.Now().UTC()}
		resolution, gateErr := res.Resolve(ctx, ref, a.cfg.Component, b.store.Attempts())
		if !b.persistent {
			if err := res.RequirePersistentHistory(ref); err != nil {
				resolution.PredecessorAttempt = nil
				gateErr = err
			}
		}
		if resolution.Matched() {
			out.Environment = resolution.Environment.Name
			out.Function = resolution.Environment.FunctionName
			out.Chain = resolver.PromotionChain(res.Environments(), resolution.Environment.Name)
		}
		if resolution.PredecessorAttempt != nil {
			out.Predecessor = resolution.PredecessorAttempt.ID
		}
		switch {
		case gateErr != nil:
			out.Reason = gateErr.Error()
		case !resolution.Matched():
			out.Reason = "no deployment for " + ref
		default:
			out.Allowed = true
		}

		if err := printResult(a.stdout, format, out); err != nil {
			return err
		}
		if gateErr != nil {
			return &exitError{code: exitCodeFor(gateErr)}
		}
		return nil
	}
	return cmd
}
