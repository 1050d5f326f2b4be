package retry

import "errors"

var (
	// ErrBudgetExhausted wraps a transient platform error that persisted
	// through every allowed retry.
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrPermanent wraps an error the classifier judged not worth retrying.
	ErrPermanent = errors.New("permanent failure")
)
