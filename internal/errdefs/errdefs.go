// Package errdefs defines the error taxonomy shared by the settlement pipeline,
// the GitHub integration and the API layer.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind string

// Error kinds.
const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindExternal      Kind = "external_service"
	KindCredential    Kind = "credential"
)

// Error is a classified error. Message is safe to show to API clients;
// Err carries the underlying cause.
type Error struct {
	Kind      Kind
	Message   string
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input. It is never retried.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity. Callers often treat it as benign.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Authorization reports that the caller may not act on a resource.
func Authorization(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a state conflict such as a duplicate open bounty.
func Conflict(err error, format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// ExternalService wraps a failure from GitHub or the chain.
func ExternalService(err error, retryable bool, format string, args ...any) error {
	return &Error{Kind: KindExternal, Message: fmt.Sprintf(format, args...), Err: err, Retryable: retryable}
}

// Credential reports a missing or malformed signing key.
func Credential(err error, format string, args ...any) error {
	return &Error{Kind: KindCredential, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain,
// or the empty kind when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAuthorization reports whether err is an authorization error.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsExternalService reports whether err is an external service error.
func IsExternalService(err error) bool { return KindOf(err) == KindExternal }

// IsCredential reports whether err is a credential error.
func IsCredential(err error) bool { return KindOf(err) == KindCredential }

// IsRetryable reports whether err is an external service error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindExternal && e.Retryable
}

// SettlementPartialFailure is returned when the escrow token was transferred
// but the burn did not confirm. The bounty stays in its transferred state.
type SettlementPartialFailure struct {
	BountyID   string
	TransferTx string
	Err        error
}

// Error implements the error interface.
func (e *SettlementPartialFailure) Error() string {
	return fmt.Sprintf("settlement of bounty %s partially failed after transfer %s: %v", e.BountyID, e.TransferTx, e.Err)
}

// Unwrap returns the burn failure.
func (e *SettlementPartialFailure) Unwrap() error {
	return e.Err
}

// IsPartialFailure reports whether err is a SettlementPartialFailure.
func IsPartialFailure(err error) bool {
	var p *SettlementPartialFailure
	return errors.As(err, &p)
}
