// errors.go defines the error taxonomy every adapter surfaces.
//
// Callers classify failures with errors.As / errors.Is rather than string
// matching. The worker uses the taxonomy to decide between retryable and
// terminal signal failures:
//
//   - AuthError:              terminal, API key marked invalid
//   - InsufficientFundsError: terminal
//   - InvalidOrderError:      terminal
//   - RateLimitError:         retryable
//   - Error (generic):        retryable
package exchange

import (
	"errors"
	"fmt"
)

// Error is the generic exchange failure: the venue answered with an
// error that fits no narrower category, or the transport failed.
type Error struct {
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthError means the venue rejected the API credentials.
type AuthError struct {
	Venue string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Venue, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InsufficientFundsError means the account cannot cover the order.
type InsufficientFundsError struct {
	Venue string
	Err   error
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: insufficient funds: %v", e.Venue, e.Err)
}

func (e *InsufficientFundsError) Unwrap() error { return e.Err }

// InvalidOrderError means the order was rejected as malformed or
// unsupported (bad symbol, reduce-only on a spot venue, size below lot).
type InvalidOrderError struct {
	Venue string
	Err   error
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("%s: invalid order: %v", e.Venue, e.Err)
}

func (e *InvalidOrderError) Unwrap() error { return e.Err }

// RateLimitError means the venue throttled the request.
type RateLimitError struct {
	Venue string
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Venue, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Permanent reports whether err is a terminal exchange failure that must
// not be retried (auth, funds, invalid order). Transient errors — rate
// limits and generic venue failures — return false.
func Permanent(err error) bool {
	var authErr *AuthError
	var fundsErr *InsufficientFundsError
	var orderErr *InvalidOrderError
	return errors.As(err, &authErr) || errors.As(err, &fundsErr) || errors.As(err, &orderErr)
}
