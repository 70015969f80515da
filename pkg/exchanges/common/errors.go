package common

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a user has no active credential for the
// requested exchange. Expected in normal operation; user-actionable.
var ErrNotConfigured = errors.New("exchange not configured for user")

// ErrNotConnected is returned when an adapter could not establish or has
// lost its authenticated session.
var ErrNotConnected = errors.New("cannot connect to exchange")

// ValidationError reports order parameters that are malformed or outside the
// instrument's legal bounds. Detected before any network call; never retried.
type ValidationError struct {
	Symbol string
	Label  string // which field failed, e.g. "quantity" or "price"
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("invalid %s for %s: %s", e.Label, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Label, e.Reason)
}

// ConnectionError reports a failed authenticate/connect attempt. Terminal
// for the current call; callers may retry the whole operation later.
type ConnectionError struct {
	Exchange string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Exchange, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientError marks a condition the exchange flagged as retryable (or a
// timeout). Handled by the retry policy; surfaces to callers only after
// retries are exhausted.
type TransientError struct {
	Exchange string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s temporarily unavailable: %v", e.Exchange, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError carries a definitive non-zero retCode from the exchange,
// e.g. insufficient balance or an invalid symbol. Never retried.
type RejectedError struct {
	Exchange string
	Code     int
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected request (retCode=%d): %s", e.Exchange, e.Code, e.Message)
}

// IsTransient reports whether err should be retried by the retry policy.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var to timeouter
	return errors.As(err, &to) && to.Timeout()
}

// IsValidation reports whether err is a pre-flight parameter failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRejected reports whether the exchange definitively refused the request.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
