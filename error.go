package ledgerx

import (
	"errors"
	"fmt"
)

var (
	ErrInternalServer = errors.New("internal server error")
	ErrUnauthorized   = errors.New("missing or invalid credentials")
	// ErrBusy is returned when a request is shed by the limit or breaker
	// middlewares. Callers may retry with backoff.
	ErrBusy = errors.New("service busy")
	// ErrExhausted is returned when IBAN generation kept colliding.
	ErrExhausted = errors.New("account identifiers exhausted, try again later")
)

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

// ErrNotFound does not tell apart a missing account from one the caller
// does not own.
type ErrNotFound struct {
	ID int64 `json:"id"`
}

func (e ErrNotFound) Error() string {
	return "record not found"
}

type ErrInsufficientFunds struct {
	ID int64 `json:"id"`
}

func (e ErrInsufficientFunds) Error() string {
	return "insufficient funds"
}

// ErrLocked is returned when the account lock could not be acquired within
// the configured lock timeout. It is retryable.
type ErrLocked struct {
	ID int64 `json:"id"`
}

func (e ErrLocked) Error() string {
	return "account is temporarily locked"
}

// ErrConflict reports an integrity violation, e.g. a duplicate IBAN on insert
// or a stale version on write-back.
type ErrConflict struct {
	Field string `json:"field"`
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("conflict on %s", e.Field)
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	return errors.As(err, &ErrLocked{}) || errors.Is(err, ErrBusy) || errors.Is(err, ErrExhausted)
}

// isBusinessError reports errors that are the caller's doing rather than an
// infrastructure failure.
func isBusinessError(err error) bool {
	return errors.As(err, &ErrBadRequest{}) ||
		errors.As(err, &ErrNotFound{}) ||
		errors.As(err, &ErrInsufficientFunds{}) ||
		errors.Is(err, ErrUnauthorized)
}
