package reporter

import "errors"

// ErrPublishFailed wraps any failure to publish a status summary.
var ErrPublishFailed = errors.New("status publish failed")
