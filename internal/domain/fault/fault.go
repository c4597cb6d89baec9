// SPDX-License-Identifier: MIT

// Package fault defines the typed error envelope shared by every service
// surface. Codes are stable: clients and metrics depend on them.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a failure for the API envelope.
type Code string

const (
	Validation     Code = "VALIDATION"
	NotFound       Code = "NOT_FOUND"
	Conflict       Code = "CONFLICT"
	EventNotActive Code = "EVENT_NOT_ACTIVE"
	VoteDenied     Code = "VOTE_DENIED"
	Provider       Code = "PROVIDER_ERROR"
	Internal       Code = "INTERNAL"
)

// DenyReason is the structured reason attached to VOTE_DENIED errors.
type DenyReason string

const (
	DenyCooldown    DenyReason = "cooldown"
	DenyHourlyLimit DenyReason = "hourly-limit"
	DenySameTrack   DenyReason = "same-track"
	DenyNetworkCap  DenyReason = "network-limit"
)

// Error carries a code, a human-readable message and optional denial details.
type Error struct {
	Code       Code
	Message    string
	Reason     DenyReason    // set for VoteDenied
	RetryAfter time.Duration // set when the caller may retry after a delay
	wrapped    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is makes errors.Is match on the code, so sentinel comparisons like
// errors.Is(err, fault.New(fault.NotFound, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds a fault with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// Denied builds a VOTE_DENIED fault with a structured reason.
func Denied(reason DenyReason, retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{
		Code:       VoteDenied,
		Message:    fmt.Sprintf(format, args...),
		Reason:     reason,
		RetryAfter: retryAfter,
	}
}

// CodeOf extracts the fault code from err, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// As extracts the *Error from err if present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
