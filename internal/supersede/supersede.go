// Package supersede tracks which run currently owns an environment so that an
// older run can abandon its deployment when a newer one starts.
//
// Runs register when they start, not when they reach the deploy stage, so
// ownership follows trigger order even when an older run builds slower.
// Ownership is never released: a finished run keeps outranking older runs
// that arrive late.
package supersede

import (
	"context"
	"sync"
)

// Tracker records the current run per environment and component.
type Tracker interface {
	// Register makes runID the current run for key.
	Register(ctx context.Context, key, runID string) error
	// IsCurrent reports whether runID is still the current run for key.
	// A key with no registered run is owned by nobody, so IsCurrent is true.
	IsCurrent(ctx context.Context, key, runID string) (bool, error)
}

// Key builds the tracker key for an environment and component.
func Key(environment, component string) string {
	return environment + "/" + component
}

// MemoryTracker is an in-process Tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	current map[string]string
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{current: make(map[string]string)}
}

// Register implements Tracker.
func (t *MemoryTracker) Register(ctx context.Context, key, runID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[key] = runID
	return nil
}

// IsCurrent implements Tracker.
func (t *MemoryTracker) IsCurrent(ctx context.Context, key, runID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.current[key]
	return !ok || owner == runID, nil
}
