// Package errors carries the machine-readable error taxonomy shared by the
// transition engine and its transports. Every rejection the engine produces
// is an *AppError whose Code is stable enough for clients to branch on.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable reason code.
type Code string

const (
	ErrCodeInvalidTransition Code = "INVALID_TRANSITION"
	ErrCodeImmutable         Code = "IMMUTABLE_RECORD"
	ErrCodeForbidden         Code = "FORBIDDEN"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeConsistency       Code = "CONSISTENCY_ERROR"
	ErrCodeHasDependents     Code = "HAS_DEPENDENTS"
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeUnauthorized      Code = "UNAUTHORIZED"
	ErrCodeInternal          Code = "INTERNAL"
)

// AppError is the concrete error type returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail returns the error with an extra structured detail attached.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource within the caller's tenant scope.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
		Details: map[string]any{"field": field},
	}
}

// Forbidden reports a permission oracle denial.
func Forbidden(module, action string) *AppError {
	return &AppError{
		Code:    ErrCodeForbidden,
		Message: fmt.Sprintf("not permitted to %s %s", action, module),
		Details: map[string]any{"module": module, "action": action},
	}
}

// InvalidTransition reports a target stage that is unknown or unreachable.
func InvalidTransition(from, to string, allowed []string) *AppError {
	if allowed == nil {
		allowed = []string{}
	}
	return &AppError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
		Details: map[string]any{"from": from, "to": to, "allowedTransitions": allowed},
	}
}

// Immutable reports a record frozen in a terminal stage.
func Immutable(stage string) *AppError {
	return &AppError{
		Code:    ErrCodeImmutable,
		Message: fmt.Sprintf("record is in terminal stage %s", stage),
		Details: map[string]any{"stage": stage},
	}
}

// Consistency reports that the persisted stage never reflected the write.
func Consistency(want, got string, attempts int) *AppError {
	return &AppError{
		Code:    ErrCodeConsistency,
		Message: fmt.Sprintf("stage still %s after %d write attempts, wanted %s", got, attempts, want),
		Details: map[string]any{"expected": want, "observed": got, "attempts": attempts},
	}
}

// HasDependents reports a deletion blocked by a downstream record.
func HasDependents(kind, id string) *AppError {
	return &AppError{
		Code:    ErrCodeHasDependents,
		Message: fmt.Sprintf("record is referenced by %s %s", kind, id),
		Details: map[string]any{"dependentKind": kind, "dependentId": id},
	}
}

// InsufficientStock reports a reservation larger than available stock.
func InsufficientStock(itemID string, requested, available int64) *AppError {
	return &AppError{
		Code:    ErrCodeInsufficientStock,
		Message: fmt.Sprintf("item %s has %d available, %d requested", itemID, available, requested),
		Details: map[string]any{"itemId": itemID, "requested": requested, "available": available},
	}
}

// CodeOf extracts the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if err == nil {
		return ""
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is a passthrough to the standard library so callers need one import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// HTTPStatus maps a code to the status the HTTP surface responds with.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeInvalidTransition, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeImmutable, ErrCodeForbidden, ErrCodeHasDependents:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
