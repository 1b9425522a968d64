package repo

import (
	"errors"
	"fmt"
)

// Store-level errors shared by the postgres and in-memory stores.
var (
	ErrNotFound = errors.New("no matching account")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate account field")
)

// DuplicateError names the unique column that rejected a write.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string { return fmt.Sprintf("%s: %s", ErrDuplicate, e.Field) }

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// Duplicate fields reported by DuplicateError.
const (
	FieldEmail             = "email"
	FieldEmployeeID        = "employeeId"
	FieldVerificationToken = "verificationToken"
)
