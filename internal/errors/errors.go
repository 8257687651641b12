// Package errors provides custom error types for feed and failover errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for the feed error taxonomy.
var (
	ErrTransientDisconnect = errors.New("transient disconnect")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrAuthFailure         = errors.New("authentication failure")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrMalformedTick       = errors.New("malformed tick")
	ErrHierarchyExhausted  = errors.New("failover hierarchy exhausted")

	ErrNotConnected   = errors.New("not connected")
	ErrSlotClosed     = errors.New("connection slot closed")
	ErrMarketClosed   = errors.New("market is closed")
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrScheduleSource = errors.New("schedule source unavailable")
	ErrSymbolUnknown  = errors.New("symbol not tracked")
)

// FeedError represents an error raised by a streaming connection,
// attributed to the account it occurred on.
type FeedError struct {
	Account string
	Code    string
	Message string
	Err     error
}

func (e *FeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed error [%s] %s: %s: %v", e.Account, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("feed error [%s] %s: %s", e.Account, e.Code, e.Message)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError creates a new FeedError.
func NewFeedError(account, code, message string, err error) *FeedError {
	return &FeedError{
		Account: account,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// TickError represents a tick that failed validation.
type TickError struct {
	Symbol string
	Reason string
}

func (e *TickError) Error() string {
	return fmt.Sprintf("tick error [%s]: %s", e.Symbol, e.Reason)
}

func (e *TickError) Unwrap() error {
	return ErrMalformedTick
}

// NewTickError creates a new TickError.
func NewTickError(symbol, reason string) *TickError {
	return &TickError{Symbol: symbol, Reason: reason}
}

// Terminal reports whether err must never be retried on the same
// account. Terminal errors always escalate to Level-2 failover.
func Terminal(err error) bool {
	return errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrAccountSuspended) ||
		errors.Is(err, ErrRateLimited)
}

// Transient reports whether err is recoverable by a same-account
// reconnect with backoff (Level 1).
func Transient(err error) bool {
	return errors.Is(err, ErrTransientDisconnect) ||
		errors.Is(err, ErrHeartbeatTimeout)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
