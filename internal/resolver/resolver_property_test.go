package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
	"github.com/narvanalabs/deployctl/internal/store/memory"
)

// genBranch generates branch names, some nested.
func genBranch() gopter.Gen {
	return gen.SliceOfN(2, gen.Identifier()).Map(func(parts []string) string {
		return strings.Join(parts, "/")
	})
}

func genOutcome() gopter.Gen {
	return gen.OneConstOf(
		models.AttemptOutcomePending,
		models.AttemptOutcomeSucceeded,
		models.AttemptOutcomeFailed,
		models.AttemptOutcomeSuperseded,
	)
}

func TestResolverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	r, err := New(testEnvironments())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	properties.Property("short and full branch refs resolve identically", prop.ForAll(
		func(branch string) bool {
			a, okA := r.Match(branch)
			b, okB := r.Match("refs/heads/" + branch)
			if okA != okB {
				return false
			}
			return !okA || a.Name == b.Name
		},
		genBranch(),
	))

	properties.Property("the package Match agrees with the compiled resolver", prop.ForAll(
		func(branch string) bool {
			a, okA := r.Match(branch)
			b, okB := Match(branch, testEnvironments())
			return okA == okB && (!okA || a.Name == b.Name)
		},
		gen.OneGenOf(genBranch(), gen.OneConstOf("develop", "main", "refs/tags/v2.0.0")),
	))

	properties.Property("gated environment resolves only after predecessor succeeded", prop.ForAll(
		func(outcomes []models.AttemptOutcome) bool {
			ctx := context.Background()
			attempts := memory.New().Attempts()
			for _, o := range outcomes {
				a := &models.DeploymentAttempt{Environment: "develop", Component: "app"}
				if err := attempts.Create(ctx, a); err != nil {
					return false
				}
				if o.IsTerminal() {
					if err := attempts.Finalize(ctx, a.ID, store.AttemptResult{Outcome: o}); err != nil {
						return false
					}
				}
			}

			_, err := r.Resolve(ctx, "main", "app", attempts)
			lastSucceeded := len(outcomes) > 0 && outcomes[len(outcomes)-1] == models.AttemptOutcomeSucceeded
			if lastSucceeded {
				return err == nil
			}
			return pipelineerrors.IsKind(err, pipelineerrors.KindPromotionGateBlocked)
		},
		gen.SliceOf(genOutcome()),
	))

	properties.TestingRun(t)
}
