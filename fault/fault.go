// Package fault defines the structured failures surfaced at every service
// operation boundary. Each failure carries a closed kind plus a human-readable
// message so callers can branch without string matching.
package fault

import "errors"

// Kind enumerates the failure classes an operation can return.
type Kind string

const (
	// KindPermissionDenied means the actor lacks the role or relationship
	// required by the operation's guard.
	KindPermissionDenied Kind = "permission_denied"
	// KindInvalidTransition means the requested status change is not
	// reachable from the entity's current state.
	KindInvalidTransition Kind = "invalid_transition"
	// KindReconciliationMismatch means a cross-entity arithmetic check
	// failed, e.g. milestone amounts not summing to the agreement total.
	KindReconciliationMismatch Kind = "reconciliation_mismatch"
	// KindConflictAlreadyExists means a uniqueness invariant would be
	// violated (duplicate open dispute, second invoice for a milestone,
	// second selected offer).
	KindConflictAlreadyExists Kind = "conflict_already_exists"
	// KindValidationFailure means malformed input: negative amount, empty
	// required text, order below one.
	KindValidationFailure Kind = "validation_failure"
	// KindNotFound means the referenced entity does not exist.
	KindNotFound Kind = "not_found"
)

// Error is a typed operation failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

// New builds a typed failure.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func PermissionDenied(msg string) *Error { return New(KindPermissionDenied, msg) }

func InvalidTransition(msg string) *Error { return New(KindInvalidTransition, msg) }

func ReconciliationMismatch(msg string) *Error { return New(KindReconciliationMismatch, msg) }

func Conflict(msg string) *Error { return New(KindConflictAlreadyExists, msg) }

func Invalid(msg string) *Error { return New(KindValidationFailure, msg) }

func NotFound(msg string) *Error { return New(KindNotFound, msg) }

// KindOf returns the failure kind carried by err, or "" when err is not a
// typed failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
