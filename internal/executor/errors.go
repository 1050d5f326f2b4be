package executor

import "errors"

var (
	// ErrSuperseded is returned when a newer run took over the environment
	// or the run was cancelled while the update was in flight.
	ErrSuperseded = errors.New("deployment superseded by a newer run")
	// ErrDeployTimeout is returned when the update is not terminal before the deploy timeout.
	ErrDeployTimeout = errors.New("function update did not finish")
	// ErrInvalidRequest is returned when the environment or artifact is missing.
	ErrInvalidRequest = errors.New("deploy requires an environment and an artifact")
)
