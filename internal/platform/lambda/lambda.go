// Package lambda deploys artifacts to AWS Lambda, staging large archives in S3.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/narvanalabs/deployctl/internal/credentials"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager/hash"
	"github.com/narvanalabs/deployctl/internal/platform"
)

// DirectUploadLimit is the largest zip Lambda accepts inline.
const DirectUploadLimit = 50 << 20

// ErrBucketRequired is returned for an oversized artifact without an artifact bucket.
var ErrBucketRequired = errors.New("artifact exceeds the direct upload limit and the environment has no artifact_bucket")

// FunctionAPI is the subset of the Lambda client used here.
type FunctionAPI interface {
	GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Platform implements platform.Platform on Lambda and S3.
type Platform struct {
	functions FunctionAPI
	objects   ObjectAPI
	logger    *slog.Logger
}

// New creates a Platform from existing clients.
func New(functions FunctionAPI, objects ObjectAPI, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{functions: functions, objects: objects, logger: logger}
}

// GetFunction returns the function's code hash and last update status.
func (p *Platform) GetFunction(ctx context.Context, functionName string) (*platform.FunctionState, error) {
	out, err := p.functions.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return nil, classify("GetFunctionConfiguration", err)
	}

	state := &platform.FunctionState{
		FunctionName: functionName,
		CodeSHA256:   aws.ToString(out.CodeSha256),
		Reason:       aws.ToString(out.LastUpdateStatusReason),
	}
	switch out.LastUpdateStatus {
	case lambdatypes.LastUpdateStatusSuccessful, "":
		state.UpdateStatus = platform.UpdateStatusSuccessful
	case lambdatypes.LastUpdateStatusFailed:
		state.UpdateStatus = platform.UpdateStatusFailed
	default:
		state.UpdateStatus = platform.UpdateStatusInProgress
	}
	return state, nil
}

// UpdateCode submits the artifact inline, or through S3 when a bucket is
// configured or the archive is over DirectUploadLimit.
func (p *Platform) UpdateCode(ctx context.Context, req platform.UpdateRequest) error {
	a := req.Artifact
	in := &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(req.FunctionName),
	}

	switch {
	case req.Bucket != "":
		key, err := p.upload(ctx, req)
		if err != nil {
			return err
		}
		in.S3Bucket = aws.String(req.Bucket)
		in.S3Key = aws.String(key)
	case a.Size > DirectUploadLimit:
		return platform.NewError("UpdateFunctionCode", "", ErrBucketRequired.Error(), false, ErrBucketRequired)
	default:
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return platform.NewError("UpdateFunctionCode", "", "", false, fmt.Errorf("reading artifact: %w", err))
		}
		in.ZipFile = data
	}

	out, err := p.functions.UpdateFunctionCode(ctx, in)
	if err != nil {
		return classify("UpdateFunctionCode", err)
	}

	p.logger.Info("function code submitted",
		"function", req.FunctionName,
		"code_sha256", aws.ToString(out.CodeSha256),
		"via_s3", in.S3Bucket != nil,
	)
	return nil
}

// ObjectKey is the content-addressed S3 key for an artifact.
func ObjectKey(prefix string, a *models.Artifact) string {
	return path.Join(prefix, a.ShortHash(), a.Name)
}

func (p *Platform) upload(ctx context.Context, req platform.UpdateRequest) (string, error) {
	if p.objects == nil {
		return "", platform.NewError("PutObject", "", "no object storage client", false, nil)
	}

	f, err := os.Open(req.Artifact.Path)
	if err != nil {
		return "", platform.NewError("PutObject", "", "", false, fmt.Errorf("opening artifact: %w", err))
	}
	defer f.Close()

	key := ObjectKey(req.KeyPrefix, req.Artifact)
	_, err = p.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(req.Bucket),
		Key:            aws.String(key),
		Body:           f,
		ContentLength:  aws.Int64(req.Artifact.Size),
		ContentType:    aws.String("application/zip"),
		ChecksumSHA256: aws.String(hash.ToCodeSHA256(req.Artifact.Hash)),
	})
	if err != nil {
		return "", classify("PutObject", err)
	}

	p.logger.Info("artifact uploaded", "bucket", req.Bucket, "key", key, "size", req.Artifact.Size)
	return key, nil
}

// Connector opens Lambda and S3 clients with environment-scoped credentials.
type Connector struct {
	credentials credentials.Provider
	logger      *slog.Logger
}

// NewConnector creates a Connector.
func NewConnector(provider credentials.Provider, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{credentials: provider, logger: logger}
}

// Connect implements platform.Connector. SDK retries are disabled so the
// executor's retry policy is the only one in effect.
func (c *Connector) Connect(ctx context.Context, env *models.Environment) (platform.Platform, error) {
	cfg, err := c.credentials.Config(ctx, env)
	if err != nil {
		return nil, err
	}
	cfg.Retryer = func() aws.Retryer { return aws.NopRetryer{} }

	functions := lambda.NewFromConfig(cfg)
	objects := s3.NewFromConfig(cfg)
	return New(functions, objects, c.logger.With("environment", env.Name)), nil
}
