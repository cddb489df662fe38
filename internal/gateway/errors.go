package gateway

import (
	"errors"
	"fmt"
)

// Error is the gateway's failure type. Retryable distinguishes transient
// faults (network errors, timeouts, 5xx, rate limiting) from permanent
// request failures (other 4xx), so callers never retry a request the
// server has definitively rejected.
type Error struct {
	Endpoint  string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Endpoint, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Endpoint, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a gateway error that a caller may
// sensibly try again.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
