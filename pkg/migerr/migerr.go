// Package migerr defines the closed error taxonomy of spec.md §7 as typed
// errors rather than a custom exception hierarchy. Phase and job code
// switches on Kind() instead of matching concrete types, per the
// re-architecture note in spec.md §9.
package migerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes spec.md §7 defines. The Job Runtime's
// retry policy (pkg/jobs) and the Protocol Adapter's in-adapter refresh
// logic (pkg/pds) both dispatch on this value.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindProtocol       Kind = "protocol"
	KindAccountExists  Kind = "account_exists"
	KindValidation     Kind = "validation"
	KindFatalUnknown   Kind = "fatal_unknown"
)

// AccountExistsSubKind distinguishes the two AccountExists cases spec.md §4.6
// calls out: an orphaned deactivated account (needs operator cleanup before
// retry) versus an active one (migration is simply impossible).
type AccountExistsSubKind string

const (
	SubKindOrphanedDeactivated AccountExistsSubKind = "orphaned_deactivated"
	SubKindActive              AccountExistsSubKind = "active"
)

// Error is the common shape for every taxonomy member.
type Error struct {
	kind    Kind
	sub     AccountExistsSubKind
	op      string // operation that failed, e.g. "create_account_on_target"
	wrapped error
}

func (e *Error) Error() string {
	if e.op != "" {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.op, e.wrapped)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.wrapped)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Kind returns the error's taxonomy class.
func (e *Error) Kind() Kind { return e.kind }

// AccountExistsSubKind returns the sub-kind; only meaningful when
// Kind() == KindAccountExists.
func (e *Error) AccountExistsSubKind() AccountExistsSubKind { return e.sub }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, op: op, wrapped: err}
}

// Authentication wraps err as a KindAuthentication error.
func Authentication(op string, err error) *Error { return newErr(KindAuthentication, op, err) }

// RateLimit wraps err as a KindRateLimit error.
func RateLimit(op string, err error) *Error { return newErr(KindRateLimit, op, err) }

// Network wraps err as a KindNetwork error.
func Network(op string, err error) *Error { return newErr(KindNetwork, op, err) }

// Timeout wraps err as a KindTimeout error.
func Timeout(op string, err error) *Error { return newErr(KindTimeout, op, err) }

// Protocol wraps err as a KindProtocol error.
func Protocol(op string, err error) *Error { return newErr(KindProtocol, op, err) }

// Validation wraps err as a KindValidation error.
func Validation(op string, err error) *Error { return newErr(KindValidation, op, err) }

// FatalUnknown wraps err as a KindFatalUnknown error.
func FatalUnknown(op string, err error) *Error { return newErr(KindFatalUnknown, op, err) }

// AccountExists constructs a KindAccountExists error with its sub-kind.
func AccountExists(op string, sub AccountExistsSubKind, err error) *Error {
	e := newErr(KindAccountExists, op, err)
	e.sub = sub
	return e
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *migerr.Error; otherwise returns KindFatalUnknown, matching spec.md §7's
// "Unknown: exponential backoff, 3 attempts" default.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.kind
	}
	return KindFatalUnknown
}

// IsRetryable reports whether the Job Runtime should ever retry this error
// class. AccountExists is the sole permanent discard (spec.md §4.2, §7).
func IsRetryable(err error) bool {
	return KindOf(err) != KindAccountExists
}
