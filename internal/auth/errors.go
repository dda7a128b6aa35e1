package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Boundary errors. Callers outside the package only ever see these kinds.
var (
	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrAccountLocked         = errors.New("auth: account locked")
	ErrEmailTaken            = errors.New("auth: email taken")
	ErrTokenInvalid          = errors.New("auth: token invalid")
	ErrUnauthorized          = errors.New("auth: unauthorized")
	ErrForbidden             = errors.New("auth: forbidden")
	ErrDependencyUnavailable = errors.New("auth: dependency unavailable")
)

// Store and validation errors.
var (
	ErrNotFound            = errors.New("auth: not found")
	ErrConflict            = errors.New("auth: resource conflict")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrTokenSpent          = errors.New("auth: token already redeemed, revoked or expired")
	ErrCyclicRole          = errors.New("auth: cyclic role inheritance")
	ErrSystemRoleImmutable = errors.New("auth: system role is immutable")
	ErrUnknownPermission   = errors.New("auth: unknown permission")
)

// Kind is the stable error code exposed across the service boundary.
type Kind string

const (
	KindInvalidCredentials    Kind = "INVALID_CREDENTIALS"
	KindAccountLocked         Kind = "ACCOUNT_LOCKED"
	KindEmailTaken            Kind = "EMAIL_TAKEN"
	KindTokenInvalid          Kind = "TOKEN_INVALID"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindForbidden             Kind = "FORBIDDEN"
	KindDependencyUnavailable Kind = "DEPENDENCY_UNAVAILABLE"
	KindInvalidInput          Kind = "INVALID_INPUT"
	KindNotFound              Kind = "NOT_FOUND"
	KindConflict              Kind = "CONFLICT"
	KindInternal              Kind = "INTERNAL"
)

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountLocked, KindAccountLocked},
	{ErrEmailTaken, KindEmailTaken},
	{ErrTokenInvalid, KindTokenInvalid},
	{ErrTokenSpent, KindTokenInvalid},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
	{ErrDependencyUnavailable, KindDependencyUnavailable},
	{ErrInvalidInput, KindInvalidInput},
	{ErrUnknownPermission, KindInvalidInput},
	{ErrCyclicRole, KindInvalidInput},
	{ErrSystemRoleImmutable, KindForbidden},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
}

// KindOf maps err to its boundary kind. Unknown errors are INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDependencyUnavailable
	}
	return KindInternal
}

// dependencyError keeps domain sentinels intact and folds everything else
// (driver faults, timeouts, cancellations) into ErrDependencyUnavailable.
func dependencyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrTokenSpent),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrDependencyUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
}

// ValidationError is a rejection of caller input. Its message names only
// what the caller sent and may be shown to them; every other invalid-input
// error (constraint violations reported by a store) is not.
type ValidationError struct {
	kind error
	msg  string
}

func (e *ValidationError) Error() string { return e.kind.Error() + ": " + e.msg }

func (e *ValidationError) Unwrap() error { return e.kind }

// Message is the caller-facing text, without the package prefix.
func (e *ValidationError) Message() string {
	return strings.TrimPrefix(e.Error(), "auth: ")
}

func invalidf(format string, args ...any) error {
	return rejectf(ErrInvalidInput, format, args...)
}

func rejectf(kind error, format string, args ...any) error {
	return &ValidationError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// PublicMessage returns the message of a ValidationError in err's chain.
func PublicMessage(err error) (string, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Message(), true
	}
	return "", false
}
