// Package pipeline runs the inspect, build, resolve, deploy and report stages
// of a single deployment run and maps the result to an exit code.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/executor"
	"github.com/narvanalabs/deployctl/internal/inspector"
	"github.com/narvanalabs/deployctl/internal/metrics"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager"
	"github.com/narvanalabs/deployctl/internal/resolver"
	"github.com/narvanalabs/deployctl/internal/supersede"
)

// Builder produces an artifact from a checkout.
type Builder interface {
	Build(ctx context.Context, req packager.BuildRequest) (*models.Artifact, error)
}

// Deployer submits an artifact to an environment.
type Deployer interface {
	Deploy(ctx context.Context, env *models.Environment, artifact *models.Artifact, runID string) (*models.DeploymentAttempt, error)
}

// Publisher publishes the run summary.
type Publisher interface {
	Publish(ctx context.Context, trigger models.Trigger, report *models.RunReport) (*models.StatusRecord, error)
}

// Config holds the per-run settings of a Pipeline.
type Config struct {
	Component string
	// OutputDir receives artifacts, relative to the checkout unless absolute.
	OutputDir string
	// UnknownIsFatal fails runs whose project has no recognizable runtime.
	UnknownIsFatal bool
	// PushgatewayURL receives metrics when a run ends.
	PushgatewayURL string
	// ReportTimeout bounds publishing, which runs even after cancellation.
	ReportTimeout time.Duration
	// EphemeralHistory marks History as lost when the process exits.
	// Promotion into an environment with a predecessor then fails as a
	// configuration error rather than blocking on every run.
	EphemeralHistory bool
}

// Stages groups the collaborators of each stage.
type Stages struct {
	Inspector inspector.Inspector
	Builder   Builder
	Resolver  *resolver.Resolver
	History   resolver.History
	Deployer  Deployer
	Reporter  Publisher
	// Tracker, when set, records each run as the newest for its environment
	// as soon as the environment is known.
	Tracker supersede.Tracker
}

// Pipeline runs deployments. It holds no per-run state and is safe for
// concurrent use by independent runs.
type Pipeline struct {
	cfg     *Config
	stages  Stages
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(p *Pipeline) {
		p.metrics = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a Pipeline.
func New(cfg *Config, stages Stages, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	p := &Pipeline{
		cfg:    cfg,
		stages: stages,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request starts one run.
type Request struct {
	// Root is the project checkout.
	Root    string
	Trigger models.Trigger
	// RunID identifies the run; a random one is generated when empty.
	RunID string
}

// run carries the state of one pipeline run.
type run struct {
	p      *Pipeline
	req    Request
	report *models.RunReport
	logger *slog.Logger

	inspection *models.InspectionResult
	env        *models.Environment
	artifact   *models.Artifact

	failure error
	skipped string
}

// stageResult is what a stage reports on success.
type stageResult struct {
	message string
	warned  bool
	// skip marks the run as not deploying, without failing it.
	skip string
}

// Run executes the stages in order. A failing stage short-circuits the rest,
// which are recorded as skipped. The report stage always runs, even after
// ctx is cancelled. Run never panics; stage panics become stage failures.
func (p *Pipeline) Run(ctx context.Context, req Request) *models.RunReport {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Trigger.Component == "" {
		req.Trigger.Component = p.cfg.Component
	}

	r := &run{
		p:   p,
		req: req,
		report: &models.RunReport{
			RunID:          req.RunID,
			Trigger:        req.Trigger,
			Classification: models.ClassificationUnknown,
			StartedAt:      p.now().UTC(),
		},
		logger: p.logger.With("run_id", req.RunID, "ref", req.Trigger.Ref),
	}
	r.logger.Info("run started", "root", req.Root, "sha", req.Trigger.SHA)

	r.do(ctx, models.StageInspect, r.inspect)
	r.do(ctx, models.StageBuild, r.build)
	r.do(ctx, models.StageResolve, r.resolve)
	r.do(ctx, models.StageDeploy, r.deploy)
	r.finish()
	r.publish(ctx)

	p.metrics.ObserveRun(r.report)
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReportTimeout)
	defer cancel()
	if err := p.metrics.Push(pushCtx, p.cfg.PushgatewayURL, p.cfg.Component); err != nil {
		r.logger.Warn("failed to push metrics", "error", err)
	}

	r.logger.Info("run finished",
		"status", r.report.Status,
		"exit_code", r.report.ExitCode,
		"duration", r.report.FinishedAt.Sub(r.report.StartedAt),
	)
	return r.report
}

// do runs one stage unless an earlier stage failed or skipped the run.
func (r *run) do(ctx context.Context, stage models.Stage, fn func(context.Context) (stageResult, error)) {
	if r.failure != nil || r.skipped != "" {
		reason := r.skipped
		if r.failure != nil {
			reason = "not run after an earlier failure"
		}
		r.record(models.StageOutcome{Stage: stage, Status: models.StageStatusSkipped, Message: reason})
		return
	}

	logger := r.logger.With("component", string(stage))
	start := r.p.now()
	res, err := r.protect(ctx, logger, stage, fn)
	outcome := models.StageOutcome{
		Stage:    stage,
		Message:  res.message,
		Duration: r.p.now().Sub(start),
	}

	switch {
	case err != nil && ctx.Err() != nil && !pipelineerrors.IsKind(err, pipelineerrors.KindPromotionGateBlocked):
		outcome.Status = models.StageStatusSkipped
		outcome.Message = "run cancelled"
		r.skipped = outcome.Message
		logger.Info("stage cancelled", "error", err)
	case err != nil:
		err = tag(stage, err)
		kind := pipelineerrors.KindOf(err)
		outcome.Status = models.StageStatusFailed
		outcome.ErrorCode = string(kind)
		outcome.Message = userMessage(err)
		r.failure = err
		logger.Error("stage failed", "error_code", kind, "error", err)
	case res.skip != "":
		outcome.Status = models.StageStatusSkipped
		outcome.Message = res.skip
		r.skipped = res.skip
		logger.Info("stage skipped", "reason", res.skip)
	case res.warned:
		outcome.Status = models.StageStatusWarned
		logger.Warn("stage passed with warnings", "message", res.message)
	default:
		outcome.Status = models.StageStatusPassed
		logger.Info("stage passed", "message", res.message)
	}
	r.record(outcome)
}

func (r *run) record(outcome models.StageOutcome) {
	r.report.Stages = append(r.report.Stages, outcome)
	r.p.metrics.ObserveStage(outcome)
}

// protect runs fn and converts a panic into a stage failure.
func (r *run) protect(ctx context.Context, logger *slog.Logger, stage models.Stage, fn func(context.Context) (stageResult, error)) (res stageResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Debug("stage panic", "panic", rec, "stack", string(debug.Stack()))
			err = tag(stage, fmt.Errorf("%w: %v", ErrStagePanic, rec))
		}
	}()
	return fn(ctx)
}

func (r *run) inspect(ctx context.Context) (stageResult, error) {
	result, err := r.p.stages.Inspector.Inspect(ctx, r.req.Root)
	if err != nil {
		return stageResult{}, pipelineerrors.New(pipelineerrors.KindArtifactBuildFailed, models.StageInspect, err)
	}
	r.inspection = result
	r.report.Classification = result.Classification

	if result.Classification == models.ClassificationUnknown && r.p.cfg.UnknownIsFatal {
		return stageResult{message: describeInspection(result)}, pipelineerrors.NewUnknownClassificationError()
	}
	if result.Ambiguous {
		r.logger.Warn("ambiguous classification",
			"error_code", pipelineerrors.KindClassificationAmbiguous,
			"error", pipelineerrors.NewAmbiguousClassificationWarning(result.Markers),
		)
	}
	return stageResult{
		message: describeInspection(result),
		warned:  result.Ambiguous || result.Classification == models.ClassificationUnknown,
	}, nil
}

func (r *run) build(ctx context.Context) (stageResult, error) {
	env, ok := r.p.stages.Resolver.Match(r.req.Trigger.Ref)
	if !ok {
		return stageResult{skip: "no deployment for " + r.req.Trigger.Ref}, nil
	}
	r.env = env
	r.report.Environment = env.Name
	if t := r.p.stages.Tracker; t != nil {
		if err := t.Register(ctx, supersede.Key(env.Name, r.p.cfg.Component), r.report.RunID); err != nil {
			r.logger.Warn("failed to register run for supersession", "error", err)
		}
	}

	artifact, err := r.p.stages.Builder.Build(ctx, packager.BuildRequest{
		Root:        r.req.Root,
		Component:   r.p.cfg.Component,
		Environment: env.Name,
		Inspection:  r.inspection,
		OutputDir:   r.p.cfg.OutputDir,
	})
	if err != nil {
		return stageResult{}, err
	}
	r.artifact = artifact
	r.report.Artifact = artifact
	r.p.metrics.ObserveArtifact(r.p.cfg.Component, env.Name, artifact)
	return stageResult{message: fmt.Sprintf("%s (%d files)", artifact.Name, len(artifact.Files))}, nil
}

func (r *run) resolve(ctx context.Context) (stageResult, error) {
	if r.p.cfg.EphemeralHistory {
		if err := r.p.stages.Resolver.RequirePersistentHistory(r.req.Trigger.Ref); err != nil {
			return stageResult{}, err
		}
	}
	res, err := r.p.stages.Resolver.Resolve(ctx, r.req.Trigger.Ref, r.p.cfg.Component, r.p.stages.History)
	if err != nil {
		return stageResult{}, err
	}
	if !res.Matched() {
		return stageResult{skip: "no deployment for " + r.req.Trigger.Ref}, nil
	}
	r.env = res.Environment
	if res.PredecessorAttempt != nil {
		return stageResult{message: fmt.Sprintf("%s (after %s)", res.Environment.Name, res.Environment.Predecessor)}, nil
	}
	return stageResult{message: res.Environment.Name}, nil
}

func (r *run) deploy(ctx context.Context) (stageResult, error) {
	attempt, err := r.p.stages.Deployer.Deploy(ctx, r.env, r.artifact, r.report.RunID)
	r.report.Attempt = attempt
	if errors.Is(err, executor.ErrSuperseded) {
		return stageResult{skip: "superseded by a newer run"}, nil
	}
	if err != nil {
		return stageResult{}, err
	}
	if attempt.Reused {
		return stageResult{message: fmt.Sprintf("%s already runs %s", r.env.FunctionName, r.artifact.ShortHash())}, nil
	}
	return stageResult{message: fmt.Sprintf("%s updated to %s", r.env.FunctionName, r.artifact.ShortHash())}, nil
}

// finish derives the overall status and exit code.
func (r *run) finish() {
	report := r.report
	switch {
	case r.failure != nil:
		kind := pipelineerrors.KindOf(r.failure)
		report.ExitCode = kind.ExitCode()
		if kind == pipelineerrors.KindPromotionGateBlocked {
			report.Status = models.RunStatusBlocked
		} else {
			report.Status = models.RunStatusFailed
		}
	case r.skipped != "":
		report.Status = models.RunStatusSkipped
		report.ExitCode = pipelineerrors.ExitDeployed
	default:
		report.Status = models.RunStatusPassed
		report.ExitCode = pipelineerrors.ExitDeployed
	}
	report.FinishedAt = r.p.now().UTC()
}

// publish runs the report stage. It is never skipped and never changes the
// exit code.
func (r *run) publish(ctx context.Context) {
	logger := r.logger.With("component", string(models.StageReport))
	start := r.p.now()

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.p.cfg.ReportTimeout)
	defer cancel()

	outcome := models.StageOutcome{Stage: models.StageReport, Status: models.StageStatusPassed}
	_, err := r.protect(reportCtx, logger, models.StageReport, func(ctx context.Context) (stageResult, error) {
		_, err := r.p.stages.Reporter.Publish(ctx, r.report.Trigger, r.report)
		return stageResult{}, err
	})
	if err != nil {
		outcome.Status = models.StageStatusWarned
		outcome.Message = err.Error()
		logger.Warn("status publish failed", "error", err)
	}
	outcome.Duration = r.p.now().Sub(start)
	r.record(outcome)
}

// tag makes sure err carries a kind, defaulting by stage.
func tag(stage models.Stage, err error) error {
	if _, ok := pipelineerrors.As(err); ok {
		return err
	}
	switch stage {
	case models.StageDeploy:
		return pipelineerrors.NewPermanentPlatformError(err)
	case models.StageResolve:
		return pipelineerrors.NewConfigurationError(err)
	default:
		return pipelineerrors.New(pipelineerrors.KindArtifactBuildFailed, stage, err)
	}
}

// userMessage is the one-line message shown in the summary for err.
func userMessage(err error) string {
	msg := err.Error()
	if pe, ok := pipelineerrors.As(err); ok && len(pe.Suggestions) > 0 {
		msg += ". " + strings.Join(pe.Suggestions, ". ")
	}
	return msg
}

func describeInspection(result *models.InspectionResult) string {
	parts := []string{result.Classification.DisplayName()}
	if result.PackageManager != "" {
		parts = append(parts, result.PackageManager)
	}
	if result.DependencyManager != "" {
		parts = append(parts, result.DependencyManager)
	}
	if result.RuntimeVersion != "" {
		parts = append(parts, result.RuntimeVersion)
	}
	msg := parts[0]
	if len(parts) > 1 {
		msg += " (" + strings.Join(parts[1:], ", ") + ")"
	}
	if len(result.Warnings) > 0 {
		msg += "; " + strings.Join(result.Warnings, "; ")
	}
	return msg
}
