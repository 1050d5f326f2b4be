package lambda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/packager/hash"
	"github.com/narvanalabs/deployctl/internal/platform"
)

type fakeFunctions struct {
	config  *lambda.GetFunctionConfigurationOutput
	getErr  error
	updates []*lambda.UpdateFunctionCodeInput
	updErr  error
}

func (f *fakeFunctions) GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.config, nil
}

func (f *fakeFunctions) UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.updates = append(f.updates, in)
	if f.updErr != nil {
		return nil, f.updErr
	}
	return &lambda.UpdateFunctionCodeOutput{CodeSha256: aws.String("abc")}, nil
}

type fakeObjects struct {
	puts   []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	body, _ := io.ReadAll(in.Body)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, f.err
}

func writeArtifact(t *testing.T, content string) *models.Artifact {
	t.Helper()
	p := filepath.Join(t.TempDir(), "app-develop.zip")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return &models.Artifact{
		Name: "app-develop.zip",
		Path: p,
		Hash: hash.Bytes([]byte(content)),
		Size: int64(len(content)),
	}
}

func TestUpdateCodeInline(t *testing.T) {
	fns := &fakeFunctions{}
	objs := &fakeObjects{}
	p := New(fns, objs, nil)

	a := writeArtifact(t, "zip-bytes")
	if err := p.UpdateCode(context.Background(), platform.UpdateRequest{FunctionName: "app-develop", Artifact: a}); err != nil {
		t.Fatalf("UpdateCode() error = %v", err)
	}

	if len(fns.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(fns.updates))
	}
	if got := string(fns.updates[0].ZipFile); got != "zip-bytes" {
		t.Errorf("ZipFile = %q, want the artifact bytes", got)
	}
	if fns.updates[0].S3Bucket != nil {
		t.Errorf("S3Bucket = %q, want nil", aws.ToString(fns.updates[0].S3Bucket))
	}
	if len(objs.puts) != 0 {
		t.Errorf("puts = %d, want none", len(objs.puts))
	}
}

func TestUpdateCodeThroughBucket(t *testing.T) {
	fns := &fakeFunctions{}
	objs := &fakeObjects{}
	p := New(fns, objs, nil)

	a := writeArtifact(t, "zip-bytes")
	err := p.UpdateCode(context.Background(), platform.UpdateRequest{
		FunctionName: "app-staging",
		Artifact:     a,
		Bucket:       "artifacts",
		KeyPrefix:    "app",
	})
	if err != nil {
		t.Fatalf("UpdateCode() error = %v", err)
	}

	if len(objs.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(objs.puts))
	}
	put := objs.puts[0]
	if got := aws.ToString(put.Bucket); got != "artifacts" {
		t.Errorf("Bucket = %q, want artifacts", got)
	}
	if got, want := aws.ToString(put.Key), ObjectKey("app", a); got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	if got, want := aws.ToString(put.ChecksumSHA256), hash.ToCodeSHA256(a.Hash); got != want {
		t.Errorf("ChecksumSHA256 = %q, want %q", got, want)
	}
	if got := string(objs.bodies[0]); got != "zip-bytes" {
		t.Errorf("uploaded body = %q, want the artifact bytes", got)
	}

	if len(fns.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(fns.updates))
	}
	update := fns.updates[0]
	if got := aws.ToString(update.S3Bucket); got != "artifacts" {
		t.Errorf("S3Bucket = %q, want artifacts", got)
	}
	if got := aws.ToString(update.S3Key); got != aws.ToString(put.Key) {
		t.Errorf("S3Key = %q, want the uploaded key", got)
	}
	if update.ZipFile != nil {
		t.Error("ZipFile set alongside an S3 location")
	}
}

func TestUpdateCodeOversizedWithoutBucket(t *testing.T) {
	fns := &fakeFunctions{}
	p := New(fns, &fakeObjects{}, nil)

	a := writeArtifact(t, "x")
	a.Size = DirectUploadLimit + 1

	err := p.UpdateCode(context.Background(), platform.UpdateRequest{FunctionName: "app", Artifact: a})
	if !errors.Is(err, ErrBucketRequired) {
		t.Fatalf("UpdateCode() error = %v, want ErrBucketRequired", err)
	}
	if platform.IsTransient(err) {
		t.Error("a missing bucket is reported as transient")
	}
	if len(fns.updates) != 0 {
		t.Errorf("updates = %d, want none", len(fns.updates))
	}
}

func TestGetFunction(t *testing.T) {
	tests := []struct {
		status lambdatypes.LastUpdateStatus
		want   platform.UpdateStatus
	}{
		{lambdatypes.LastUpdateStatusSuccessful, platform.UpdateStatusSuccessful},
		{lambdatypes.LastUpdateStatusFailed, platform.UpdateStatusFailed},
		{lambdatypes.LastUpdateStatusInProgress, platform.UpdateStatusInProgress},
	}
	for _, tt := range tests {
		fns := &fakeFunctions{config: &lambda.GetFunctionConfigurationOutput{
			CodeSha256:             aws.String("LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="),
			LastUpdateStatus:       tt.status,
			LastUpdateStatusReason: aws.String("reason"),
		}}
		state, err := New(fns, nil, nil).GetFunction(context.Background(), "app")
		if err != nil {
			t.Fatalf("GetFunction() error = %v", err)
		}
		if state.UpdateStatus != tt.want {
			t.Errorf("UpdateStatus for %s = %v, want %v", tt.status, state.UpdateStatus, tt.want)
		}
		if state.CodeSHA256 != "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=" {
			t.Errorf("CodeSHA256 = %q", state.CodeSHA256)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "Rate exceeded"}, true},
		{"service", &smithy.GenericAPIError{Code: "ServiceException"}, true},
		{"conflict", &smithy.GenericAPIError{Code: "ResourceConflictException", Message: "An update is in progress"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, false},
		{"invalid parameter", &smithy.GenericAPIError{Code: "InvalidParameterValueException"}, false},
		{"not found", &smithy.GenericAPIError{Code: "ResourceNotFoundException"}, false},
		{"storage", &smithy.GenericAPIError{Code: "CodeStorageExceededException"}, false},
		{"unknown server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, true},
		{"unknown client fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultClient}, false},
		{"network timeout", fmt.Errorf("send: %w", timeoutErr{}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("bad"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("UpdateFunctionCode", &smithy.OperationError{ServiceID: "Lambda", OperationName: "UpdateFunctionCode", Err: tt.err})
			if got := platform.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("classify() = %v, want it to wrap %v", err, tt.err)
			}
		})
	}

	canceled := classify("x", context.Canceled)
	if !errors.Is(canceled, context.Canceled) {
		t.Errorf("classify(canceled) = %v, want context.Canceled", canceled)
	}
	if platform.IsTransient(canceled) {
		t.Error("cancellation is reported as transient")
	}
}

func TestUpdateCodeClassifiesFailures(t *testing.T) {
	fns := &fakeFunctions{updErr: &smithy.GenericAPIError{Code: "ResourceConflictException"}}
	err := New(fns, nil, nil).UpdateCode(context.Background(), platform.UpdateRequest{
		FunctionName: "app",
		Artifact:     writeArtifact(t, "z"),
	})
	if !platform.IsTransient(err) {
		t.Errorf("UpdateCode() error = %v, want transient", err)
	}
}
