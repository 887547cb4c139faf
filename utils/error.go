package utils

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrorKind is the stable, machine-readable classification of a core error.
// Callers (the HTTP layer) map kinds to transport codes.
type ErrorKind string

const (
	ErrorKindNotFound           ErrorKind = "NotFound"
	ErrorKindCategoryMismatch   ErrorKind = "CategoryMismatch"
	ErrorKindInvalidState       ErrorKind = "InvalidState"
	ErrorKindInsufficientStock  ErrorKind = "InsufficientStock"
	ErrorKindNoAllocatableStock ErrorKind = "NoAllocatableStock"
	ErrorKindAlreadyAssigned    ErrorKind = "AlreadyAssigned"
	ErrorKindValidation         ErrorKind = "ValidationError"
	ErrorKindPersistence        ErrorKind = "PersistenceError"
	ErrorKindForbidden          ErrorKind = "Forbidden"
)

// Error carries a kind plus a human-readable detail. Err, when set, is the underlying cause.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrInsufficientStock) works
// regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound           = &Error{Kind: ErrorKindNotFound}
	ErrCategoryMismatch   = &Error{Kind: ErrorKindCategoryMismatch}
	ErrInvalidState       = &Error{Kind: ErrorKindInvalidState}
	ErrInsufficientStock  = &Error{Kind: ErrorKindInsufficientStock}
	ErrNoAllocatableStock = &Error{Kind: ErrorKindNoAllocatableStock}
	ErrAlreadyAssigned    = &Error{Kind: ErrorKindAlreadyAssigned}
	ErrValidation         = &Error{Kind: ErrorKindValidation}
	ErrPersistence        = &Error{Kind: ErrorKindPersistence}
	ErrForbidden          = &Error{Kind: ErrorKindForbidden}

	// ErrorRecordNotFound is kept for generic fetch helpers.
	ErrorRecordNotFound = ErrNotFound
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func NotFoundError(entity string, id any) *Error {
	return &Error{Kind: ErrorKindNotFound, Detail: fmt.Sprintf("%s %v not found", entity, id)}
}

func InvalidStateError(format string, args ...any) *Error {
	return NewError(ErrorKindInvalidState, format, args...)
}

func ValidationError(format string, args ...any) *Error {
	return NewError(ErrorKindValidation, format, args...)
}

// KindOf returns the kind of err; untyped errors are reported as PersistenceError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindPersistence
}

// WrapDBError reclassifies a store error at the models boundary.
// Typed errors pass through unchanged.
func WrapDBError(err error, entity string, id any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFoundError(entity, id)
	}
	return &Error{Kind: ErrorKindPersistence, Detail: fmt.Sprintf("%s %v", entity, id), Err: err}
}

// PersistenceError wraps an untyped store failure.
func PersistenceError(err error, context string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrorKindPersistence, Detail: context, Err: err}
}

// IsDuplicateKeyErr reports a unique-constraint violation (MySQL 1062 or a translated gorm error).
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
