// Package resolver maps git refs to deployment environments and enforces
// the promotion order between them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
)

// ErrHistoryNotPersisted reports a promotion gate that could never open
// because attempts are not kept between runs.
var ErrHistoryNotPersisted = errors.New("deployment history is not persisted between runs")

// History answers which attempt was last made against an environment.
type History interface {
	Latest(ctx context.Context, environment, component string) (*models.DeploymentAttempt, error)
}

// Resolution is the result of resolving a ref.
type Resolution struct {
	// Environment is nil when no pattern matched.
	Environment *models.Environment
	// PredecessorAttempt is the attempt that satisfied the promotion gate, if any.
	PredecessorAttempt *models.DeploymentAttempt
}

// Matched reports whether the ref selected an environment.
func (r *Resolution) Matched() bool {
	return r != nil && r.Environment != nil
}

// Resolver holds a validated environment list with compiled ref patterns.
type Resolver struct {
	envs     []models.Environment
	patterns []glob.Glob
}

// New validates envs and compiles their ref patterns.
func New(envs []models.Environment) (*Resolver, error) {
	if err := Validate(envs); err != nil {
		return nil, err
	}

	r := &Resolver{envs: envs}
	for _, env := range envs {
		g, err := compilePattern(env.RefPattern)
		if err != nil {
			return nil, pipelineerrors.NewConfigurationError(err)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

// Environments returns the configured environments in match order.
func (r *Resolver) Environments() []models.Environment {
	return r.envs
}

// Match returns the first environment whose pattern matches ref.
func (r *Resolver) Match(ref string) (*models.Environment, bool) {
	ref = NormalizeRef(ref)
	for i, g := range r.patterns {
		if g.Match(ref) {
			return &r.envs[i], true
		}
	}
	return nil, false
}

// Resolve matches ref and enforces the promotion gate. A ref with no
// matching environment yields an empty Resolution and no error. A matched
// environment whose predecessor's latest attempt for component is missing or
// not succeeded yields PromotionGateBlocked.
func (r *Resolver) Resolve(ctx context.Context, ref, component string, history History) (*Resolution, error) {
	env, ok := r.Match(ref)
	if !ok {
		return &Resolution{}, nil
	}
	res := &Resolution{Environment: env}
	if !env.HasPredecessor() {
		return res, nil
	}

	last, err := history.Latest(ctx, env.Predecessor, component)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, pipelineerrors.NewPromotionGateError(env.Name, env.Predecessor, "")
		}
		return res, pipelineerrors.New(
			pipelineerrors.KindPromotionGateBlocked,
			models.StageResolve,
			fmt.Errorf("reading %s deployment history: %w", env.Predecessor, err),
		)
	}
	if !last.Succeeded() {
		return res, pipelineerrors.NewPromotionGateError(env.Name, env.Predecessor, last.Outcome)
	}

	res.PredecessorAttempt = last
	return res, nil
}

// RequirePersistentHistory fails with ConfigurationInvalid when ref selects
// an environment that promotes from a predecessor. Callers whose attempt log
// lives only as long as the process check this before Resolve.
func (r *Resolver) RequirePersistentHistory(ref string) error {
	env, ok := r.Match(ref)
	if !ok || !env.HasPredecessor() {
		return nil
	}
	return pipelineerrors.NewConfigurationError(fmt.Errorf(
		"%w: %s promotes from %s, set DATABASE_URL", ErrHistoryNotPersisted, env.Name, env.Predecessor))
}

// Match is the stateless form of Resolver.Match for callers holding a raw
// environment list. Environments with invalid patterns never match.
func Match(ref string, envs []models.Environment) (*models.Environment, bool) {
	ref = NormalizeRef(ref)
	for i := range envs {
		g, err := compilePattern(envs[i].RefPattern)
		if err != nil {
			continue
		}
		if g.Match(ref) {
			return &envs[i], true
		}
	}
	return nil, false
}

// NormalizeRef expands a short branch name to refs/heads/<name>.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

func compilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty ref pattern", ErrInvalidPattern)
	}
	g, err := glob.Compile(NormalizeRef(pattern), '/')
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return g, nil
}
