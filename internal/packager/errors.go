package packager

import "errors"

// Packaging errors.
var (
	// ErrSourceUnreadable is returned when the source tree cannot be walked.
	ErrSourceUnreadable = errors.New("failed to read source tree")

	// ErrStagingFailed is returned when the staging copy cannot be created.
	ErrStagingFailed = errors.New("failed to stage source tree")

	// ErrArchiveFailed is returned when the archive cannot be written.
	ErrArchiveFailed = errors.New("failed to write archive")

	// ErrInvalidRequest is returned for a build request missing required fields.
	ErrInvalidRequest = errors.New("invalid build request")
)
