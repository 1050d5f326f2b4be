package lambda

import (
	"context"
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/narvanalabs/deployctl/internal/platform"
)

// Error codes that are worth retrying.
var transientCodes = map[string]bool{
	"TooManyRequestsException":  true,
	"ThrottlingException":       true,
	"Throttling":                true,
	"ServiceException":          true,
	"ResourceConflictException": true,
	"EC2ThrottledException":     true,
	"SlowDown":                  true,
	"InternalError":             true,
	"ServiceUnavailable":        true,
	"RequestTimeout":            true,
	"RequestTimeTooSkewed":      true,
}

// Error codes that will fail the same way on every attempt.
var permanentCodes = map[string]bool{
	"AccessDeniedException":           true,
	"AccessDenied":                    true,
	"InvalidParameterValueException":  true,
	"ResourceNotFoundException":       true,
	"CodeStorageExceededException":    true,
	"RequestTooLargeException":        true,
	"CodeVerificationFailedException": true,
	"InvalidCodeSignatureException":   true,
	"UnrecognizedClientException":     true,
	"ExpiredTokenException":           true,
	"NoSuchBucket":                    true,
}

// classify wraps an SDK error in a platform.Error carrying its retry class.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return platform.NewError(op, code, apiErr.ErrorMessage(), true, err)
		case permanentCodes[code]:
			return platform.NewError(op, code, apiErr.ErrorMessage(), false, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		transient := status == 429 || status >= 500
		code := ""
		if apiErr != nil {
			code = apiErr.ErrorCode()
		}
		return platform.NewError(op, code, "", transient, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return platform.NewError(op, "", "request timed out", true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return platform.NewError(op, "", "", true, err)
	}

	if apiErr != nil {
		// Unknown service codes are treated as faults of the request.
		return platform.NewError(op, apiErr.ErrorCode(), apiErr.ErrorMessage(), apiErr.ErrorFault() == smithy.FaultServer, err)
	}
	return platform.NewError(op, "", "", false, err)
}
