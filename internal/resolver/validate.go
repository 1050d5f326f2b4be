package resolver

import (
	"errors"
	"fmt"
	"strings"

	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/models"
)

// Configuration errors.
var (
	ErrNoEnvironments       = errors.New("no environments configured")
	ErrMissingField         = errors.New("missing required field")
	ErrDuplicateEnvironment = errors.New("duplicate environment name")
	ErrUnknownPredecessor   = errors.New("predecessor does not exist")
	ErrPredecessorCycle     = errors.New("predecessor cycle")
	ErrInvalidPattern       = errors.New("invalid ref pattern")
)

// Validate checks an environment list: every environment has a name, ref
// pattern, role, region and function; names are unique; predecessors exist
// and form no cycle; patterns compile.
func Validate(envs []models.Environment) error {
	if len(envs) == 0 {
		return pipelineerrors.NewConfigurationError(ErrNoEnvironments)
	}

	byName := make(map[string]*models.Environment, len(envs))
	var errs []error

	for i := range envs {
		env := &envs[i]
		if missing := missingFields(env); len(missing) > 0 {
			errs = append(errs, fmt.Errorf("environment %d (%q): %w: %s", i, env.Name, ErrMissingField, strings.Join(missing, ", ")))
		}
		if env.Name == "" {
			continue
		}
		if _, dup := byName[env.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateEnvironment, env.Name))
			continue
		}
		byName[env.Name] = env

		if env.RefPattern != "" {
			if _, err := compilePattern(env.RefPattern); err != nil {
				errs = append(errs, fmt.Errorf("environment %s: %w", env.Name, err))
			}
		}
	}

	for i := range envs {
		env := &envs[i]
		if !env.HasPredecessor() {
			continue
		}
		if env.Predecessor == env.Name {
			errs = append(errs, fmt.Errorf("%w: %s precedes itself", ErrPredecessorCycle, env.Name))
			continue
		}
		if _, ok := byName[env.Predecessor]; !ok {
			errs = append(errs, fmt.Errorf("environment %s: %w: %s", env.Name, ErrUnknownPredecessor, env.Predecessor))
		}
	}

	if cycle := findCycle(byName); cycle != nil {
		errs = append(errs, fmt.Errorf("%w: %s", ErrPredecessorCycle, strings.Join(cycle, " -> ")))
	}

	if len(errs) > 0 {
		return pipelineerrors.NewConfigurationError(errors.Join(errs...))
	}
	return nil
}

func missingFields(env *models.Environment) []string {
	var missing []string
	if env.Name == "" {
		missing = append(missing, "name")
	}
	if env.RefPattern == "" {
		missing = append(missing, "ref")
	}
	if env.RoleARN == "" {
		missing = append(missing, "role_arn")
	}
	if env.Region == "" {
		missing = append(missing, "region")
	}
	if env.FunctionName == "" {
		missing = append(missing, "function_name")
	}
	return missing
}

// findCycle follows predecessor links from every environment and returns the
// first cycle found, longer than a self-loop.
func findCycle(byName map[string]*models.Environment) []string {
	for start := range byName {
		seen := map[string]int{}
		var path []string
		name := start
		for name != "" {
			if idx, ok := seen[name]; ok {
				cycle := append(path[idx:], name)
				if len(cycle) > 2 {
					return cycle
				}
				return nil
			}
			env, ok := byName[name]
			if !ok {
				break
			}
			seen[name] = len(path)
			path = append(path, name)
			name = env.Predecessor
		}
	}
	return nil
}

// PromotionChain returns the environment names from the root of env's
// predecessor chain to env itself.
func PromotionChain(envs []models.Environment, name string) []string {
	byName := make(map[string]models.Environment, len(envs))
	for _, e := range envs {
		byName[e.Name] = e
	}

	var chain []string
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		env, ok := byName[name]
		if !ok {
			break
		}
		seen[name] = true
		chain = append([]string{name}, chain...)
		name = env.Predecessor
	}
	return chain
}
