package inspector

import "errors"

// Inspection errors.
var (
	// ErrRootUnreadable is returned when the project root cannot be listed.
	ErrRootUnreadable = errors.New("failed to read project root")

	// ErrInvalidPackageJSON is returned when package.json cannot be parsed.
	ErrInvalidPackageJSON = errors.New("failed to parse package.json")
)
