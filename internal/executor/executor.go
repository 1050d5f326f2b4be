// Package executor submits artifacts to an environment's function and follows
// the update until the platform reports a terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/executor/retry"
	"github.com/narvanalabs/deployctl/internal/metrics"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager/hash"
	"github.com/narvanalabs/deployctl/internal/platform"
	"github.com/narvanalabs/deployctl/internal/store"
	"github.com/narvanalabs/deployctl/internal/supersede"
)

// Config holds configuration for the Executor.
type Config struct {
	// Component is recorded on every attempt and scopes idempotency and supersession.
	Component string
	// PollInterval is the delay between update status checks.
	PollInterval time.Duration
	// DeployTimeout bounds the wait for a terminal update status.
	DeployTimeout time.Duration
	// UploadTimeout bounds each single code submission.
	UploadTimeout time.Duration
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  5 * time.Second,
		DeployTimeout: 10 * time.Minute,
		UploadTimeout: 5 * time.Minute,
	}
}

// Executor deploys artifacts to environments.
type Executor struct {
	cfg       *Config
	attempts  store.AttemptStore
	connector platform.Connector
	retry     *retry.Manager
	tracker   supersede.Tracker
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryManager replaces the default retry manager.
func WithRetryManager(m *retry.Manager) Option {
	return func(e *Executor) {
		e.retry = m
	}
}

// WithTracker sets the supersession tracker. Runs register with it when
// they start; the executor only reads ownership.
func WithTracker(t supersede.Tracker) Option {
	return func(e *Executor) {
		e.tracker = t
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates a new Executor.
func New(cfg *Config, attempts store.AttemptStore, connector platform.Connector, logger *slog.Logger, opts ...Option) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:       cfg,
		attempts:  attempts,
		connector: connector,
		tracker:   supersede.NewMemoryTracker(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry == nil {
		e.retry = retry.NewManager(retry.WithNotificationCallback(func(n retry.Notification) {
			e.logger.Warn("retrying platform call",
				"attempt", n.Attempt,
				"wait", n.Wait,
				"error", n.Err,
			)
		}))
	}
	return e
}

// Deploy submits artifact to env and waits for the function update to finish.
//
// A run that no longer owns the environment returns ErrSuperseded without
// submitting anything. When the environment's latest attempt succeeded with
// the same artifact hash it is returned with Reused set; an older success
// that a later attempt replaced does not count. Otherwise one attempt is
// recorded and finalized exactly once, whatever happens. A run that loses
// ownership, or whose context is cancelled while polling, finalizes its
// attempt as superseded and returns ErrSuperseded.
func (e *Executor) Deploy(ctx context.Context, env *models.Environment, artifact *models.Artifact, runID string) (*models.DeploymentAttempt, error) {
	if env == nil || artifact == nil {
		return nil, pipelineerrors.NewPermanentPlatformError(ErrInvalidRequest)
	}
	logger := e.logger.With(
		"environment", env.Name,
		"function", env.FunctionName,
		"artifact", artifact.Name,
		"run_id", runID,
	)

	key := supersede.Key(env.Name, e.cfg.Component)
	if current, err := e.tracker.IsCurrent(ctx, key, runID); err != nil {
		logger.Warn("supersession check failed", "error", err)
	} else if !current {
		logger.Info("newer run owns the environment, not deploying")
		return nil, ErrSuperseded
	}

	latest, err := e.attempts.Latest(ctx, env.Name, e.cfg.Component)
	switch {
	case err == nil && latest.Succeeded() && latest.ArtifactHash == artifact.Hash:
		reused := *latest
		reused.Reused = true
		logger.Info("artifact already deployed, reusing attempt",
			"attempt_id", latest.ID,
			"hash", artifact.Hash,
		)
		e.metrics.ObserveAttempt(&reused)
		return &reused, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, pipelineerrors.NewTransientPlatformError(fmt.Errorf("reading attempt log: %w", err))
	}

	target, err := e.connector.Connect(ctx, env)
	if err != nil {
		if _, ok := pipelineerrors.As(err); ok {
			return nil, err
		}
		return nil, pipelineerrors.NewCredentialExchangeError(err)
	}

	attempt := &models.DeploymentAttempt{
		RunID:        runID,
		Environment:  env.Name,
		Component:    e.cfg.Component,
		ArtifactHash: artifact.Hash,
		Outcome:      models.AttemptOutcomePending,
	}
	if err := e.attempts.Create(ctx, attempt); err != nil {
		return nil, pipelineerrors.NewTransientPlatformError(fmt.Errorf("recording attempt: %w", err))
	}
	logger = logger.With("attempt_id", attempt.ID)
	logger.Info("deployment attempt started", "hash", artifact.Hash, "size", artifact.Size)

	retries, runErr := e.run(ctx, logger, target, env, artifact, key, runID)

	outcome, deployErr := e.classify(ctx, runErr)
	e.finalize(ctx, logger, attempt, outcome, retries, runErr)

	if deployErr != nil {
		logger.Error("deployment attempt finished",
			"outcome", outcome,
			"retries", retries,
			"error", runErr,
		)
		return attempt, deployErr
	}
	logger.Info("deployment attempt finished", "outcome", outcome, "retries", retries)
	return attempt, nil
}

// run performs the submission and polling for one attempt. It returns the
// total number of transient retries absorbed.
func (e *Executor) run(
	ctx context.Context,
	logger *slog.Logger,
	target platform.Platform,
	env *models.Environment,
	artifact *models.Artifact,
	key, runID string,
) (int, error) {
	expected := hash.ToCodeSHA256(artifact.Hash)

	var state *platform.FunctionState
	retries, err := e.retry.Do(ctx, func(ctx context.Context) error {
		s, err := target.GetFunction(ctx, env.FunctionName)
		state = s
		return err
	})
	if err != nil {
		return retries, err
	}
	if state.CodeSHA256 == expected && state.UpdateStatus != platform.UpdateStatusFailed {
		logger.Info("function already runs this artifact, skipping upload", "code_sha256", expected)
		if state.UpdateStatus == platform.UpdateStatusSuccessful {
			return retries, nil
		}
		n, err := e.poll(ctx, logger, target, env.FunctionName, expected, key, runID)
		return retries + n, err
	}

	req := platform.UpdateRequest{
		FunctionName: env.FunctionName,
		Artifact:     artifact,
		Bucket:       env.ArtifactBucket,
		KeyPrefix:    e.cfg.Component,
	}
	n, err := e.retry.Do(ctx, func(ctx context.Context) error {
		uploadCtx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
		defer cancel()
		return target.UpdateCode(uploadCtx, req)
	})
	retries += n
	if err != nil {
		return retries, err
	}
	logger.Info("code submitted", "bucket", req.Bucket)

	n, err = e.poll(ctx, logger, target, env.FunctionName, expected, key, runID)
	return retries + n, err
}

// poll waits until the function update is terminal, the deploy timeout
// elapses, ctx is cancelled, or another run takes over the environment.
func (e *Executor) poll(
	ctx context.Context,
	logger *slog.Logger,
	target platform.Platform,
	functionName, expected, key, runID string,
) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.DeployTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	retries := 0
	polls := 0
	for {
		current, err := e.tracker.IsCurrent(pollCtx, key, runID)
		if err != nil {
			logger.Warn("supersession check failed", "error", err)
		} else if !current {
			logger.Warn("newer run took over the environment, abandoning poll")
			return retries, ErrSuperseded
		}

		var state *platform.FunctionState
		n, err := e.retry.Do(pollCtx, func(ctx context.Context) error {
			s, err := target.GetFunction(ctx, functionName)
			state = s
			return err
		})
		retries += n
		polls++
		if err != nil {
			return retries, err
		}

		switch state.UpdateStatus {
		case platform.UpdateStatusSuccessful:
			if state.CodeSHA256 != "" && state.CodeSHA256 != expected {
				logger.Warn("function runs a different artifact after update",
					"expected", hash.FromCodeSHA256(expected),
					"actual", hash.FromCodeSHA256(state.CodeSHA256),
				)
				return retries, ErrSuperseded
			}
			logger.Debug("function update successful", "polls", polls)
			return retries, nil
		case platform.UpdateStatusFailed:
			return retries, platform.NewError("GetFunction", "UpdateFailed", state.Reason, false, platform.ErrUpdateFailed)
		}

		select {
		case <-pollCtx.Done():
			return retries, pollCtx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps the result of run to an attempt outcome and the error
// returned to the pipeline.
func (e *Executor) classify(ctx context.Context, err error) (models.AttemptOutcome, error) {
	switch {
	case err == nil:
		return models.AttemptOutcomeSucceeded, nil
	case errors.Is(err, ErrSuperseded):
		return models.AttemptOutcomeSuperseded, err
	case ctx.Err() != nil:
		return models.AttemptOutcomeSuperseded, fmt.Errorf("%w: %w", ErrSuperseded, ctx.Err())
	case errors.Is(err, retry.ErrBudgetExhausted):
		return models.AttemptOutcomeFailed, pipelineerrors.NewTransientPlatformError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return models.AttemptOutcomeFailed, pipelineerrors.NewTransientPlatformError(
			fmt.Errorf("%w after %s: %w", ErrDeployTimeout, e.cfg.DeployTimeout, err))
	default:
		return models.AttemptOutcomeFailed, pipelineerrors.NewPermanentPlatformError(err)
	}
}

// finalize writes the terminal outcome. It runs even when ctx is cancelled.
func (e *Executor) finalize(
	ctx context.Context,
	logger *slog.Logger,
	attempt *models.DeploymentAttempt,
	outcome models.AttemptOutcome,
	retries int,
	runErr error,
) {
	finished := e.now().UTC()
	result := store.AttemptResult{
		Outcome:    outcome,
		Retries:    retries,
		FinishedAt: finished,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if err := e.attempts.Finalize(context.WithoutCancel(ctx), attempt.ID, result); err != nil {
		logger.Error("failed to finalize attempt", "outcome", outcome, "error", err)
	}

	attempt.Outcome = outcome
	attempt.Retries = retries
	attempt.Error = result.Error
	attempt.FinishedAt = &finished
	e.metrics.ObserveAttempt(attempt)
}
