// Package errors provides the pipeline error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/narvanalabs/deployctl/internal/models"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindClassificationAmbiguous    Kind = "CLASSIFICATION_AMBIGUOUS"
	KindUnknownClassification      Kind = "UNKNOWN_CLASSIFICATION"
	KindDependencyResolutionFailed Kind = "DEPENDENCY_RESOLUTION_FAILED"
	KindArtifactBuildFailed        Kind = "ARTIFACT_BUILD_FAILED"
	KindPromotionGateBlocked       Kind = "PROMOTION_GATE_BLOCKED"
	KindCredentialExchangeFailed   Kind = "CREDENTIAL_EXCHANGE_FAILED"
	KindTransientPlatformError     Kind = "TRANSIENT_PLATFORM_ERROR"
	KindPermanentPlatformRejection Kind = "PERMANENT_PLATFORM_REJECTION"
	KindConfigurationInvalid       Kind = "CONFIGURATION_INVALID"
)

// Exit codes exposed by the CLI.
const (
	ExitDeployed          = 0
	ExitBuildFailure      = 1
	ExitPromotionBlocked  = 2
	ExitPlatformRejection = 3
	ExitUnknownRuntime    = 4
)

// Fatal returns true if the kind stops the run.
func (k Kind) Fatal() bool {
	switch k {
	case KindClassificationAmbiguous, KindUnknownClassification:
		return false
	default:
		return true
	}
}

// Retryable returns true if the kind may be retried automatically.
// Only transient platform errors are retried, and only within the executor's bound.
func (k Kind) Retryable() bool {
	return k == KindTransientPlatformError
}

// ExitCode maps the kind to the CLI exit code.
func (k Kind) ExitCode() int {
	switch k {
	case KindDependencyResolutionFailed, KindArtifactBuildFailed, KindConfigurationInvalid:
		return ExitBuildFailure
	case KindPromotionGateBlocked:
		return ExitPromotionBlocked
	case KindCredentialExchangeFailed, KindTransientPlatformError, KindPermanentPlatformRejection:
		return ExitPlatformRejection
	case KindUnknownClassification:
		return ExitUnknownRuntime
	default:
		return ExitDeployed
	}
}

// PipelineError is a failure raised by a pipeline stage.
type PipelineError struct {
	Kind        Kind
	Stage       models.Stage
	Err         error
	Suggestions []string
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Kind)), e.Err.Error())
	}
	return strings.ToLower(string(e.Kind))
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a PipelineError.
func New(kind Kind, stage models.Stage, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// WithSuggestions sets the suggestions on the error.
func (e *PipelineError) WithSuggestions(suggestions ...string) *PipelineError {
	e.Suggestions = suggestions
	return e
}

// As extracts a *PipelineError from err.
func As(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind if err is not a PipelineError.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a PipelineError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// NewAmbiguousClassificationWarning reports both Node and Python markers being present.
func NewAmbiguousClassificationWarning(markers []string) *PipelineError {
	return New(
		KindClassificationAmbiguous,
		models.StageInspect,
		fmt.Errorf("markers for multiple runtimes found (%s), using node", strings.Join(markers, ", ")),
	).WithSuggestions(
		"Remove the manifest for the runtime that is not deployed",
	)
}

// NewUnknownClassificationError reports a tree with no known runtime markers.
func NewUnknownClassificationError() *PipelineError {
	return New(
		KindUnknownClassification,
		models.StageInspect,
		errors.New("no package.json, requirements.txt, pyproject.toml, setup.py or Pipfile found"),
	).WithSuggestions(
		"Add a dependency manifest at the project root",
		"Source files are still packaged without vendored dependencies",
	)
}

// NewDependencyResolutionError reports a failed npm/pip/poetry install.
func NewDependencyResolutionError(err error) *PipelineError {
	return New(KindDependencyResolutionFailed, models.StageBuild, err).WithSuggestions(
		"Check that the lock file is committed and in sync with the manifest",
		"Reproduce locally with the same package manager command",
	)
}

// NewArtifactBuildError reports a failure writing the archive.
func NewArtifactBuildError(err error) *PipelineError {
	return New(KindArtifactBuildFailed, models.StageBuild, err)
}

// NewPromotionGateError reports a predecessor environment without a succeeded deployment.
func NewPromotionGateError(env, predecessor string, last models.AttemptOutcome) *PipelineError {
	state := string(last)
	if state == "" {
		state = "never deployed"
	}
	return New(
		KindPromotionGateBlocked,
		models.StageResolve,
		fmt.Errorf("%s is blocked: last %s deployment is %s", env, predecessor, state),
	).WithSuggestions(
		fmt.Sprintf("Deploy the same component to %s successfully first", predecessor),
	)
}

// NewCredentialExchangeError reports a failed federated credential exchange.
func NewCredentialExchangeError(err error) *PipelineError {
	return New(KindCredentialExchangeFailed, models.StageDeploy, err).WithSuggestions(
		"Check the role ARN and its trust policy for the OIDC provider",
		"Ensure the workflow has id-token: write permission",
	)
}

// NewTransientPlatformError reports a retryable platform failure.
func NewTransientPlatformError(err error) *PipelineError {
	return New(KindTransientPlatformError, models.StageDeploy, err)
}

// NewPermanentPlatformError reports a non-retryable platform rejection.
func NewPermanentPlatformError(err error) *PipelineError {
	return New(KindPermanentPlatformRejection, models.StageDeploy, err)
}

// NewConfigurationError reports invalid configuration.
func NewConfigurationError(err error) *PipelineError {
	return New(KindConfigurationInvalid, models.StageResolve, err)
}
