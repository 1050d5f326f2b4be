// Package memory provides an in-process implementation of the store interfaces.
// It backs local runs without a database and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deployctl/internal/models"
	"github.com/narvanalabs/deployctl/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	attempts *AttemptStore
	statuses *StatusStore
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		attempts: &AttemptStore{byID: make(map[string]*models.DeploymentAttempt)},
		statuses: &StatusStore{records: make(map[string]*models.StatusRecord)},
	}
}

// Attempts returns the AttemptStore.
func (s *Store) Attempts() store.AttemptStore { return s.attempts }

// Statuses returns the StatusStore.
func (s *Store) Statuses() store.StatusStore { return s.statuses }

// WithTx runs fn against the store. Each operation is atomic on its own;
// there is no rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// AttemptStore implements store.AttemptStore in memory.
type AttemptStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*models.DeploymentAttempt
}

// Create records a new pending attempt.
func (s *AttemptStore) Create(ctx context.Context, attempt *models.DeploymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if _, exists := s.byID[attempt.ID]; exists {
		return fmt.Errorf("%w: attempt %s", store.ErrDuplicateKey, attempt.ID)
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	if attempt.Outcome == "" {
		attempt.Outcome = models.AttemptOutcomePending
	}

	s.byID[attempt.ID] = clone(attempt)
	s.order = append(s.order, attempt.ID)
	return nil
}

// Get retrieves an attempt by ID.
func (s *AttemptStore) Get(ctx context.Context, id string) (*models.DeploymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(a), nil
}

// Finalize moves a pending attempt to a terminal outcome.
func (s *AttemptStore) Finalize(ctx context.Context, id string, result store.AttemptResult) error {
	if !result.Outcome.IsTerminal() {
		return fmt.Errorf("%w: %s", store.ErrInvalidOutcome, result.Outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if !a.Outcome.CanTransitionTo(result.Outcome) {
		return fmt.Errorf("%w: %s is %s", store.ErrAlreadyFinalized, id, a.Outcome)
	}

	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	a.Outcome = result.Outcome
	a.Error = result.Error
	a.Retries = result.Retries
	a.FinishedAt = &finished
	return nil
}

// Latest returns the most recent attempt for an environment and component.
func (s *AttemptStore) Latest(ctx context.Context, environment, component string) (*models.DeploymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.byID[s.order[i]]
		if a.Environment == environment && a.Component == component {
			return clone(a), nil
		}
	}
	return nil, store.ErrNotFound
}

// List returns attempts newest first. A limit <= 0 returns all.
func (s *AttemptStore) List(ctx context.Context, environment, component string, limit int) ([]*models.DeploymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DeploymentAttempt
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.byID[s.order[i]]
		if a.Environment != environment || a.Component != component {
			continue
		}
		out = append(out, clone(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func clone(a *models.DeploymentAttempt) *models.DeploymentAttempt {
	c := *a
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// StatusStore implements store.StatusStore in memory.
type StatusStore struct {
	mu      sync.RWMutex
	records map[string]*models.StatusRecord
}

// Get retrieves the record for a key.
func (s *StatusStore) Get(ctx context.Context, key string) (*models.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	c.Stages = append([]string(nil), r.Stages...)
	return &c, nil
}

// Upsert creates or replaces the record for its key.
func (s *StatusStore) Upsert(ctx context.Context, record *models.StatusRecord) error {
	if record.Key == "" {
		return fmt.Errorf("status record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	c := *record
	c.Stages = append([]string(nil), record.Stages...)
	s.records[record.Key] = &c
	return nil
}

// Delete removes the record for a key.
func (s *StatusStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}
