// Package credentials exchanges a short-lived OIDC token for scoped AWS
// credentials for a single environment's role.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	pipelineerrors "github.com/narvanalabs/deployctl/internal/errors"
	"github.com/narvanalabs/deployctl/internal/models"
)

// tokenExpirySkew rejects tokens that would expire during the exchange.
const tokenExpirySkew = 30 * time.Second

// tokenFetchTimeout bounds a token fetch made when the credentials cache
// refreshes, which happens outside any stage context.
const tokenFetchTimeout = 30 * time.Second

// Provider returns an AWS configuration scoped to one environment.
type Provider interface {
	Config(ctx context.Context, env *models.Environment) (aws.Config, error)
}

// STSClientFactory builds the STS client used for the exchange in a region.
type STSClientFactory func(ctx context.Context, region string) (stscreds.AssumeRoleWithWebIdentityAPIClient, error)

// Exchanger implements Provider with AssumeRoleWithWebIdentity.
type Exchanger struct {
	tokens      TokenSource
	newSTS      STSClientFactory
	sessionName string
	duration    time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithSTSClientFactory replaces the STS client constructor.
func WithSTSClientFactory(f STSClientFactory) ExchangerOption {
	return func(e *Exchanger) {
		e.newSTS = f
	}
}

// WithSession sets the role session name and duration.
func WithSession(name string, duration time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if name != "" {
			e.sessionName = name
		}
		e.duration = duration
	}
}

// WithClock sets the time source used for token expiry checks.
func WithClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		e.now = now
	}
}

// NewExchanger creates an Exchanger reading tokens from tokens.
func NewExchanger(tokens TokenSource, logger *slog.Logger, opts ...ExchangerOption) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exchanger{
		tokens:      tokens,
		newSTS:      defaultSTSClient,
		sessionName: "deployctl",
		duration:    15 * time.Minute,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config exchanges a web identity token for env's role and returns a config
// whose credentials are already retrieved. When the session expires the
// cache exchanges again, fetching a new token once the first one has
// expired. Every failure of the first exchange is a CredentialExchangeFailed
// pipeline error.
func (e *Exchanger) Config(ctx context.Context, env *models.Environment) (aws.Config, error) {
	if env.RoleARN == "" {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(fmt.Errorf("%w: %s", ErrRoleRequired, env.Name))
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(fmt.Errorf("obtaining web identity token: %w", err))
	}
	claims, err := InspectToken(token, e.now(), tokenExpirySkew)
	if err != nil {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(err)
	}

	client, err := e.newSTS(ctx, env.Region)
	if err != nil {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(fmt.Errorf("creating STS client: %w", err))
	}

	retriever := &tokenRetriever{
		ctx:    context.WithoutCancel(ctx),
		tokens: e.tokens,
		now:    e.now,
		last:   token,
	}
	provider := stscreds.NewWebIdentityRoleProvider(client, env.RoleARN, retriever, func(o *stscreds.WebIdentityRoleOptions) {
		o.RoleSessionName = e.sessionName
		if e.duration > 0 {
			o.Duration = e.duration
		}
	})
	cache := aws.NewCredentialsCache(provider)

	creds, err := cache.Retrieve(ctx)
	if err != nil {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(fmt.Errorf("assuming %s: %w", env.RoleARN, err))
	}

	e.logger.Info("assumed environment role",
		"environment", env.Name,
		"role_arn", env.RoleARN,
		"subject", claims.Subject,
		"expires", creds.Expires,
	)

	return aws.Config{
		Region:      env.Region,
		Credentials: cache,
	}, nil
}

// tokenRetriever implements stscreds.IdentityTokenRetriever. It hands out
// the last token while it is valid and fetches a new one after that.
type tokenRetriever struct {
	ctx    context.Context
	tokens TokenSource
	now    func() time.Time

	mu   sync.Mutex
	last string
}

func (r *tokenRetriever) GetIdentityToken() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last != "" {
		if _, err := InspectToken(r.last, r.now(), tokenExpirySkew); err == nil {
			return []byte(r.last), nil
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, tokenFetchTimeout)
	defer cancel()
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing web identity token: %w", err)
	}
	if _, err := InspectToken(token, r.now(), tokenExpirySkew); err != nil {
		return nil, err
	}
	r.last = token
	return []byte(token), nil
}

func defaultSTSClient(ctx context.Context, region string) (stscreds.AssumeRoleWithWebIdentityAPIClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

// StaticProvider serves fixed keys. It exists for local development and
// refuses to work unless explicitly allowed.
type StaticProvider struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Allowed         bool
}

// Config implements Provider.
func (p *StaticProvider) Config(ctx context.Context, env *models.Environment) (aws.Config, error) {
	if !p.Allowed {
		return aws.Config{}, pipelineerrors.NewCredentialExchangeError(ErrStaticCredentials)
	}
	return aws.Config{
		Region:      env.Region,
		Credentials: awscreds.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, p.SessionToken),
	}, nil
}
