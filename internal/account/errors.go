package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Code is the stable, enumerable identifier of an error kind.
type Code string

const (
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeDuplicateEmail        Code = "DUPLICATE_EMAIL"
	CodeNotFound              Code = "NOT_FOUND"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeSelfDeletionForbidden Code = "SELF_DELETION_FORBIDDEN"
	CodeAccountLocked         Code = "ACCOUNT_LOCKED"
	CodeAccountDisabled       Code = "ACCOUNT_DISABLED"
	CodeAccountNotFound       Code = "ACCOUNT_NOT_FOUND"
	CodeNotificationFailed    Code = "NOTIFICATION_FAILED"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeConflict              Code = "CONFLICT"
	CodeInternal              Code = "INTERNAL"
)

var (
	ErrValidationFailed      = errors.New("validation failed")
	ErrDuplicateEmail        = errors.New("email already in use")
	ErrNotFound              = errors.New("account not found")
	ErrUnauthorized          = errors.New("not permitted")
	ErrSelfDeletionForbidden = errors.New("cannot delete own account")
	ErrAccountLocked         = errors.New("account locked")
	ErrAccountDisabled       = errors.New("account disabled")

	// ErrAccountNotFound is also returned for a wrong secret so that the two
	// cases are indistinguishable to the caller.
	ErrAccountNotFound    = errors.New("invalid email or password")
	ErrNotificationFailed = errors.New("notification failed")
	ErrStoreUnavailable   = errors.New("account store unavailable")
	ErrConflict           = errors.New("conflicting account data")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrValidationFailed, CodeValidationFailed},
	{ErrDuplicateEmail, CodeDuplicateEmail},
	{ErrNotFound, CodeNotFound},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrSelfDeletionForbidden, CodeSelfDeletionForbidden},
	{ErrAccountLocked, CodeAccountLocked},
	{ErrAccountDisabled, CodeAccountDisabled},
	{ErrAccountNotFound, CodeAccountNotFound},
	{ErrNotificationFailed, CodeNotificationFailed},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrConflict, CodeConflict},
}

// CodeOf maps err onto its stable code. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ValidationError carries per-field messages and matches ErrValidationFailed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// LockedError matches ErrAccountLocked and reports when the lock lifts.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }
