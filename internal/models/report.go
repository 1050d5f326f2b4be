package models

import "time"

// Stage names a pipeline stage.
type Stage string

const (
	StageInspect Stage = "inspect"
	StageBuild   Stage = "build"
	StageResolve Stage = "resolve"
	StageDeploy  Stage = "deploy"
	StageReport  Stage = "report"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageInspect, StageBuild, StageResolve, StageDeploy, StageReport}
}

// StageStatus is the tagged outcome of a single stage.
type StageStatus string

const (
	StageStatusPassed  StageStatus = "passed"
	StageStatusWarned  StageStatus = "warned"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// StageOutcome records what happened in one stage.
type StageOutcome struct {
	Stage     Stage         `json:"stage"`
	Status    StageStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunStatus is the overall result of a run.
type RunStatus string

const (
	RunStatusPassed  RunStatus = "Passed"
	RunStatusFailed  RunStatus = "Failed"
	RunStatusBlocked RunStatus = "Blocked"
	RunStatusSkipped RunStatus = "Skipped"
)

// RunReport is the consolidated result handed to the status reporter.
type RunReport struct {
	RunID          string             `json:"run_id"`
	Trigger        Trigger            `json:"trigger"`
	Status         RunStatus          `json:"status"`
	Classification Classification     `json:"classification"`
	Environment    string             `json:"environment,omitempty"`
	Artifact       *Artifact          `json:"artifact,omitempty"`
	Attempt        *DeploymentAttempt `json:"attempt,omitempty"`
	Stages         []StageOutcome     `json:"stages"`
	ExitCode       int                `json:"exit_code"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
}

// Outcome returns the recorded outcome for a stage, or nil.
func (r *RunReport) Outcome(stage Stage) *StageOutcome {
	for i := range r.Stages {
		if r.Stages[i].Stage == stage {
			return &r.Stages[i]
		}
	}
	return nil
}
