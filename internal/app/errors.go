package app

import (
	"errors"
	"fmt"
	"net/http"

	"confessions/bot/internal/store"
)

const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodePermission     = "PERMISSION_DENIED"
	CodeNotPublished   = "NOT_PUBLISHED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeTransientStore = "TRANSIENT_STORE_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func notFound(entity string, id int64) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, entity+" not found", map[string]any{"id": id})
}

func permissionDenied(action string) *DomainError {
	return domainError(http.StatusForbidden, CodePermission, "not allowed to "+action, nil)
}

// ErrorCode returns the domain code carried by err, or "" for other errors.
func ErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// storeError maps store failures that escaped the retrier. Missing rows
// become NOT_FOUND for the named entity; transient failures become
// TRANSIENT_STORE_ERROR; anything else passes through.
func storeError(err error, entity string, id int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(entity, id)
	case store.IsTransient(err):
		e := domainError(http.StatusServiceUnavailable, CodeTransientStore, "storage temporarily unavailable", nil)
		e.cause = err
		return e
	default:
		return err
	}
}
