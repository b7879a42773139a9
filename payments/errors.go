package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type FailureReason string

const (
	FailureTimeout   FailureReason = "timeout"
	FailureTransport FailureReason = "transport"
	FailureRejected  FailureReason = "rejected"
	FailureAuth      FailureReason = "auth"
)

// ProviderError wraps a failed provider call with a coarse reason so callers
// can tell a timeout from a rejection without parsing messages.
type ProviderError struct {
	Reason  FailureReason
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment provider %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("payment provider %s", e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Timeout() bool {
	return e.Reason == FailureTimeout
}

func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify turns an arbitrary provider call error into a ProviderError,
// detecting deadline and network timeouts.
func Classify(err error) *ProviderError {
	if pe, ok := AsProviderError(err); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Reason: FailureTimeout, Message: "provider call timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Reason: FailureTimeout, Message: "provider call timed out", Err: err}
	}
	return &ProviderError{Reason: FailureTransport, Message: err.Error(), Err: err}
}
