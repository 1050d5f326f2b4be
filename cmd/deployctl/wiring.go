package main

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/narvanalabs/deployctl/internal/api"
	"github.com/narvanalabs/deployctl/internal/api/health"
	"github.com/narvanalabs/deployctl/internal/credentials"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/executor"
	"github.com/narvanalabs/deployctl/internal/executor/retry"
	"github.com/narvanalabs/deployctl/internal/inspector"
	"github.com/narvanalabs/deployctl/internal/integrations/github"
	"github.com/narvanalabs/deployctl/internal/metrics"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager"
	"github.com/narvanalabs/deployctl/internal/packager/deps"
	"github.com/narvanalabs/deployctl/internal/pipeline"
	"github.com/narvanalabs/deployctl/internal/platform"
	"github.com/narvanalabs/deployctl/internal/platform/lambda"
	"github.com/narvanalabs/deployctl/internal/reporter"
	"github.com/narvanalabs/deployctl/internal/resolver"
	"github.com/narvanalabs/deployctl/internal/store"
	"github.com/narvanalabs/deployctl/internal/store/memory"
	pgstore "github.com/narvanalabs/deployctl/internal/store/postgres"
	"github.com/narvanalabs/deployctl/internal/supersede"
)

// backends are the process-wide collaborators shared by every run.
type backends struct {
	store   store.Store
	tracker supersede.Tracker
	metrics *metrics.Recorder
	github  *github.Client
	health  *health.Checker
	// persistent is set when attempts outlive the process.
	persistent bool
	// closers release connections in reverse order of opening.
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackends selects PostgreSQL when DATABASE_URL is set and Redis when
// REDIS_URL is set, falling back to in-memory implementations.
func (a *app) openBackends(ctx context.Context) (*backends, error) {
	b := &backends{
		metrics: metrics.NewRecorder(),
		health:  health.NewChecker(api.Version),
	}

	if dsn := a.cfg.DatabaseDSN; dsn != "" {
		pg, err := pgstore.NewPostgresStore(ctx, pgstore.DefaultConfig(dsn), a.log.Logger)
		if err != nil {
			return nil, err
		}
		b.store = pg
		b.persistent = true
		b.closers = append(b.closers, pg.Close)
		b.health.Register("database", pg, true)
	} else {
		mem := memory.New()
		b.store = mem
		b.health.Register("database", mem, true)
		a.log.Debug("using in-memory attempt log")
	}

	if url := a.cfg.RedisURL; url != "" {
		ttl := 2 * (a.cfg.Builder.VendorTimeout + a.cfg.Executor.DeployTimeout + a.cfg.Executor.UploadTimeout)
		tracker, err := supersede.NewRedisTracker(ctx, url, ttl, a.log.Logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.tracker = tracker
		b.closers = append(b.closers, tracker.Close)
		b.health.Register("redis", tracker, false)
	} else {
		b.tracker = supersede.NewMemoryTracker()
	}

	opts := []github.Option{github.WithBaseURL(a.cfg.GitHub.APIURL)}
	switch gh := a.cfg.GitHub; {
	case gh.HasAppCredentials():
		opts = append(opts, github.WithInstallation(gh.AppID, gh.AppPrivateKey, gh.InstallationID))
	case gh.Token != "":
		opts = append(opts, github.WithToken(gh.Token))
	}
	b.github = github.NewClient(opts...)

	return b, nil
}

// credentialProvider federates through OIDC unless static keys are explicitly
// allowed. Without a token source every exchange fails, which only matters
// for runs that reach the deploy stage.
func (a *app) credentialProvider(fetcher credentials.TokenFetcher) credentials.Provider {
	cc := a.cfg.Credentials
	if cc.AllowStatic && cc.StaticKeyPresent {
		a.log.Warn("using static AWS credentials; local development only")
		return &credentials.StaticProvider{
			AccessKeyID:     cc.StaticAccessKeyID,
			SecretAccessKey: cc.StaticSecretAccessKey,
			SessionToken:    cc.StaticSessionToken,
			Allowed:         true,
		}
	}

	tokens, err := credentials.NewTokenSource(credentials.SourceConfig{
		OIDCRequestURL:   cc.OIDCRequestURL,
		OIDCRequestToken: cc.OIDCRequestToken,
		Audience:         cc.Audience,
		TokenFile:        cc.TokenFile,
	}, fetcher)
	if err != nil {
		return unavailableProvider{err: err}
	}
	return credentials.NewExchanger(tokens, a.log.Logger, credentials.WithSession(cc.SessionName, cc.SessionDuration))
}

type unavailableProvider struct {
	err error
}

func (p unavailableProvider) Config(ctx context.Context, env *models.Environment) (aws.Config, error) {
	return aws.Config{}, pipelineerrors.NewCredentialExchangeError(p.err)
}

func (a *app) retryManager() *retry.Manager {
	ec := a.cfg.Executor
	strategy := retry.DefaultStrategy()
	strategy.MaxRetries = ec.MaxRetries
	strategy.InitialInterval = ec.RetryBackoff
	strategy.MaxInterval = ec.RetryMaxBackoff

	return retry.NewManager(
		retry.WithStrategy(strategy),
		retry.WithNotificationCallback(func(n retry.Notification) {
			a.log.Warn("retrying platform call", "attempt", n.Attempt, "wait", n.Wait, "error", n.Err)
		}),
	)
}

func (a *app) newBuilder() *packager.Builder {
	bc := a.cfg.Builder
	vendorer := deps.NewVendorer(&deps.Config{
		Timeout:    bc.VendorTimeout,
		NPMPath:    bc.NPMPath,
		PipPath:    bc.PipPath,
		PoetryPath: bc.PoetryPath,
		PipenvPath: bc.PipenvPath,
	}, nil, a.log.Logger)
	return packager.NewBuilder(vendorer, a.log.Logger)
}

func (a *app) newExecutor(b *backends, connector platform.Connector) *executor.Executor {
	ec := a.cfg.Executor
	return executor.New(&executor.Config{
		Component:     a.cfg.Component,
		PollInterval:  ec.PollInterval,
		DeployTimeout: ec.DeployTimeout,
		UploadTimeout: ec.UploadTimeout,
	}, b.store.Attempts(), connector, a.log.Logger,
		executor.WithRetryManager(a.retryManager()),
		executor.WithTracker(b.tracker),
		executor.WithMetrics(b.metrics),
	)
}

// newPipeline assembles every stage. connector may be nil to use Lambda.
// oneShot marks a process that runs a single pipeline and exits.
func (a *app) newPipeline(b *backends, connector platform.Connector, oneShot bool) (*pipeline.Pipeline, *resolver.Resolver, error) {
	res, err := resolver.New(a.cfg.Environments)
	if err != nil {
		return nil, nil, err
	}
	if connector == nil {
		connector = lambda.NewConnector(a.credentialProvider(b.github), a.log.Logger)
	}

	var comments reporter.CommentAPI
	if a.cfg.GitHub.CanComment() {
		comments = b.github
	}
	rep := reporter.New(comments, b.store.Statuses(), a.log.Logger, reporter.WithStepSummary(a.cfg.GitHub.StepSummary))

	p := pipeline.New(&pipeline.Config{
		Component:      a.cfg.Component,
		OutputDir:      a.cfg.OutputDir,
		UnknownIsFatal: a.cfg.UnknownIsFatal,
		PushgatewayURL: a.cfg.PushgatewayURL,
		// serve keeps its in-memory log across runs, so only one-shot runs
		// lose the predecessor's attempt.
		EphemeralHistory: oneShot && !b.persistent,
	}, pipeline.Stages{
		Inspector: inspector.NewInspector(),
		Builder:   a.newBuilder(),
		Resolver:  res,
		History:   b.store.Attempts(),
		Deployer:  a.newExecutor(b, connector),
		Reporter:  rep,
		Tracker:   b.tracker,
	}, a.log.Logger, pipeline.WithMetrics(b.metrics))
	return p, res, nil
}

// shutdownTimeout bounds graceful shutdown of the server.
func (a *app) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
