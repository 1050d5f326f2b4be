// Package retry classifies platform errors and retries transient ones with
// bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Error patterns that indicate a platform call should be retried.
var transientErrorPatterns = []string{
	"throttl",
	"too many requests",
	"rate exceeded",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"temporarily unavailable",
	"update is in progress",
}

// Class is the retry classification of an error.
type Class int

const (
	// ClassPermanent errors surface immediately.
	ClassPermanent Class = iota
	// ClassTransient errors are retried.
	ClassTransient
)

// String returns the class name.
func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// Classified is implemented by errors that know their own retry class.
type Classified interface {
	Transient() bool
}

// Classify decides whether err is worth retrying. Errors implementing
// Classified decide for themselves; network timeouts are transient;
// otherwise the message is matched against known transient patterns.
// Context cancellation is always permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var c Classified
	if errors.As(err, &c) {
		if c.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Strategy defines retry behavior.
type Strategy struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
	// Jitter is the randomization factor applied to each interval, 0 to 1.
	Jitter float64 `json:"jitter"`
}

// DefaultStrategy returns the default retry strategy.
func DefaultStrategy() *Strategy {
	return &Strategy{
		MaxRetries:      3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Notification describes a retry about to happen.
type Notification struct {
	Attempt int
	Err     error
	Wait    time.Duration
}

// Manager runs operations under a retry strategy.
type Manager struct {
	strategy *Strategy
	classify func(error) Class
	// NotificationCallback is called before each retry.
	NotificationCallback func(Notification)
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithStrategy sets a custom retry strategy.
func WithStrategy(strategy *Strategy) ManagerOption {
	return func(m *Manager) {
		m.strategy = strategy
	}
}

// WithClassifier replaces the default error classifier.
func WithClassifier(classify func(error) Class) ManagerOption {
	return func(m *Manager) {
		m.classify = classify
	}
}

// WithNotificationCallback sets the callback invoked before each retry.
func WithNotificationCallback(callback func(Notification)) ManagerOption {
	return func(m *Manager) {
		m.NotificationCallback = callback
	}
}

// NewManager creates a new retry manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		strategy: DefaultStrategy(),
		classify: Classify,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Strategy returns the manager's strategy.
func (m *Manager) Strategy() *Strategy {
	return m.strategy
}

// ShouldRetry reports whether err should be retried after retries prior retries.
func (m *Manager) ShouldRetry(err error, retries int) bool {
	return err != nil && retries < m.strategy.MaxRetries && m.classify(err) == ClassTransient
}

// Do runs op until it succeeds, returns a permanent error, the retry budget
// is spent, or ctx is done. It returns the number of retries performed.
// A transient error that outlives the budget is wrapped with ErrBudgetExhausted;
// a permanent one with ErrPermanent.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	retries := 0
	var lastClass Class

	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastClass = m.classify(err)
		if lastClass == ClassPermanent {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		retries++
		if m.NotificationCallback != nil {
			m.NotificationCallback(Notification{Attempt: retries, Err: err, Wait: wait})
		}
	}

	err := backoff.RetryNotify(operation, m.backOff(ctx), notify)
	if err == nil {
		return retries, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return retries, err
	}
	if lastClass == ClassTransient {
		return retries, fmt.Errorf("%w after %d retries: %w", ErrBudgetExhausted, retries, err)
	}
	return retries, fmt.Errorf("%w: %w", ErrPermanent, err)
}

func (m *Manager) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.strategy.InitialInterval
	exp.MaxInterval = m.strategy.MaxInterval
	exp.RandomizationFactor = m.strategy.Jitter
	if m.strategy.Multiplier > 0 {
		exp.Multiplier = m.strategy.Multiplier
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	maxRetries := m.strategy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}
