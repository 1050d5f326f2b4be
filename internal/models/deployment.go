package models

import "time"

// AttemptOutcome represents the state of a deployment attempt.
type AttemptOutcome string

const (
	AttemptOutcomePending    AttemptOutcome = "pending"
	AttemptOutcomeSucceeded  AttemptOutcome = "succeeded"
	AttemptOutcomeFailed     AttemptOutcome = "failed"
	AttemptOutcomeSuperseded AttemptOutcome = "superseded"
)

// IsTerminal returns true once the outcome can no longer change.
func (o AttemptOutcome) IsTerminal() bool {
	switch o {
	case AttemptOutcomeSucceeded, AttemptOutcomeFailed, AttemptOutcomeSuperseded:
		return true
	default:
		return false
	}
}

// IsValid returns true if the outcome is a known value.
func (o AttemptOutcome) IsValid() bool {
	return o == AttemptOutcomePending || o.IsTerminal()
}

// CanTransitionTo reports whether an attempt may move from o to next.
// Attempts are append-only: only pending attempts may be finalized.
func (o AttemptOutcome) CanTransitionTo(next AttemptOutcome) bool {
	return o == AttemptOutcomePending && next.IsTerminal()
}

// DeploymentAttempt is one logical submission of an artifact to an environment.
type DeploymentAttempt struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	Environment  string         `json:"environment"`
	Component    string         `json:"component"`
	ArtifactHash string         `json:"artifact_hash"`
	Outcome      AttemptOutcome `json:"outcome"`
	Error        string         `json:"error,omitempty"`
	// Retries counts transient retries absorbed by this attempt.
	Retries    int        `json:"retries"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Reused is true when an earlier succeeded attempt for the same
	// artifact hash was returned instead of submitting again.
	Reused bool `json:"reused,omitempty"`
}

// Succeeded returns true if the attempt finished successfully.
func (a *DeploymentAttempt) Succeeded() bool {
	return a != nil && a.Outcome == AttemptOutcomeSucceeded
}
