// Package platform defines the serverless function platform the executor deploys to.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/narvanalabs/deployctl/internal/models"
)

// UpdateStatus is the platform's view of the latest code update.
type UpdateStatus string

const (
	UpdateStatusInProgress UpdateStatus = "InProgress"
	UpdateStatusSuccessful UpdateStatus = "Successful"
	UpdateStatusFailed     UpdateStatus = "Failed"
)

// IsTerminal returns true once the update can no longer change.
func (s UpdateStatus) IsTerminal() bool {
	return s == UpdateStatusSuccessful || s == UpdateStatusFailed
}

// FunctionState is the deployed state of a function.
type FunctionState struct {
	FunctionName string
	// CodeSHA256 is the base64 SHA-256 of the deployed package.
	CodeSHA256   string
	UpdateStatus UpdateStatus
	// Reason explains a failed update.
	Reason string
}

// UpdateRequest submits an artifact to a function.
type UpdateRequest struct {
	FunctionName string
	Artifact     *models.Artifact
	// Bucket forces upload through object storage when set.
	Bucket string
	// KeyPrefix prefixes the object key, usually the component name.
	KeyPrefix string
}

// Platform is a connected deployment target scoped to one environment.
type Platform interface {
	// GetFunction returns the current state of a function.
	GetFunction(ctx context.Context, functionName string) (*FunctionState, error)
	// UpdateCode submits new code. It returns once the platform accepted the
	// request; use GetFunction to follow the update.
	UpdateCode(ctx context.Context, req UpdateRequest) error
}

// Connector opens a Platform for an environment, obtaining credentials for
// that environment's role only.
type Connector interface {
	Connect(ctx context.Context, env *models.Environment) (Platform, error)
}

// Error is a classified platform failure.
type Error struct {
	Op        string
	Code      string
	Message   string
	transient bool
	Err       error
}

// NewError creates a classified Error.
func NewError(op, code, message string, transient bool, err error) *Error {
	return &Error{Op: op, Code: code, Message: message, transient: transient, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Message
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.transient
}

// ErrUpdateFailed is returned when the platform reports a failed update.
var ErrUpdateFailed = errors.New("function update failed")

// IsTransient reports whether err is a transient platform error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.transient
}
