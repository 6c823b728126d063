package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSchedulerBusy means a non-terminal job already holds the oracle's slot.
	ErrSchedulerBusy = errors.New("update already in flight")
	// ErrConfirmTimeout means the transaction was not mined before the deadline.
	ErrConfirmTimeout = errors.New("transaction confirmation timed out")
	ErrInvalidAddress = errors.New("invalid oracle address")
	ErrShuttingDown   = errors.New("dispatcher is shutting down")
)

type FetchErrorKind byte

const (
	FetchTimeout FetchErrorKind = iota
	FetchNetworkError
	FetchHTTPError
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTimeout:
		return "timeout"
	case FetchNetworkError:
		return "network_error"
	case FetchHTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}

// FetchError classifies a failed external api call.
type FetchError struct {
	Kind   FetchErrorKind
	Status int // only set for FetchHTTPError
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPError {
		return fmt.Sprintf("fetch %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ChainReadError wraps a failed contract read; always retryable.
type ChainReadError struct {
	Op  string
	Err error
}

func (e *ChainReadError) Error() string {
	return fmt.Sprintf("chain read %s: %v", e.Op, e.Err)
}

func (e *ChainReadError) Unwrap() error {
	return e.Err
}

// ChainWriteError wraps a failed submission or a reverted transaction.
type ChainWriteError struct {
	Fatal bool
	Err   error
}

func (e *ChainWriteError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("chain write (fatal): %v", e.Err)
	}
	return fmt.Sprintf("chain write (retryable): %v", e.Err)
}

func (e *ChainWriteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the job runner should spend another attempt on err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrSchedulerBusy) {
		return false
	}

	var writeErr *ChainWriteError
	if errors.As(err, &writeErr) {
		return !writeErr.Fatal
	}

	return true
}

// ErrorCode is the stable code reported to http callers for a terminal error.
func ErrorCode(err error) string {
	var (
		fetchErr *FetchError
		readErr  *ChainReadError
		writeErr *ChainWriteError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAddress):
		return "INVALID_ADDRESS"
	case errors.Is(err, ErrSchedulerBusy):
		return "UPDATE_IN_PROGRESS"
	case errors.Is(err, ErrShuttingDown):
		return "SHUTTING_DOWN"
	case errors.Is(err, ErrConfirmTimeout):
		return "CONFIRM_TIMEOUT"
	case errors.As(err, &fetchErr):
		return "FETCH_FAILED"
	case errors.As(err, &readErr):
		return "CHAIN_READ_FAILED"
	case errors.As(err, &writeErr):
		return "CHAIN_WRITE_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}
