// Package store provides persistence interfaces for the attempt log and status records.
package store

import (
	"context"
	"time"

	"github.com/narvanalabs/deployctl/internal/models"
)

// AttemptStore is the append-only deployment attempt log.
// Attempts are created pending and finalized exactly once.
type AttemptStore interface {
	// Create records a new pending attempt. ID and CreatedAt are filled in when empty.
	Create(ctx context.Context, attempt *models.DeploymentAttempt) error
	// Get retrieves an attempt by ID.
	Get(ctx context.Context, id string) (*models.DeploymentAttempt, error)
	// Finalize moves a pending attempt to a terminal outcome.
	// Returns ErrAlreadyFinalized if the attempt is no longer pending.
	Finalize(ctx context.Context, id string, result AttemptResult) error
	// Latest returns the most recent attempt for an environment and component.
	// Returns ErrNotFound if none exists.
	Latest(ctx context.Context, environment, component string) (*models.DeploymentAttempt, error)
	// List returns attempts for an environment and component, newest first.
	List(ctx context.Context, environment, component string, limit int) ([]*models.DeploymentAttempt, error)
}

// AttemptResult is the terminal state written when finalizing an attempt.
type AttemptResult struct {
	Outcome    models.AttemptOutcome
	Error      string
	Retries    int
	FinishedAt time.Time
}

// StatusStore holds the single status record per status key.
type StatusStore interface {
	// Get retrieves the record for a key. Returns ErrNotFound if none exists.
	Get(ctx context.Context, key string) (*models.StatusRecord, error)
	// Upsert creates or replaces the record for its key. Last writer wins.
	Upsert(ctx context.Context, record *models.StatusRecord) error
	// Delete removes the record for a key.
	Delete(ctx context.Context, key string) error
}

// Store is the main interface for persistence.
type Store interface {
	// Attempts returns the AttemptStore.
	Attempts() AttemptStore
	// Statuses returns the StatusStore.
	Statuses() StatusStore

	// WithTx executes the given function within a transaction.
	// If the function returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases the underlying connection.
	Close() error
}
