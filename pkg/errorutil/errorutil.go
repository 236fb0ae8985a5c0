package errorutil

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("version conflict")
	ErrNotFound           = errors.New("not found")
	ErrExternalDependency = errors.New("external dependency unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error codes surfaced to API callers.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeExternalDependency = "EXTERNAL_DEPENDENCY"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternal           = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is lets callers match a DomainError against the package sentinels.
func (e *DomainError) Is(target error) bool {
	switch e.Code {
	case CodeValidation:
		return target == ErrValidation
	case CodeConflict:
		return target == ErrConflict
	case CodeNotFound:
		return target == ErrNotFound
	case CodeExternalDependency:
		return target == ErrExternalDependency
	case CodeInvariantViolation:
		return target == ErrInvariantViolation
	}
	return false
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewVersionConflict reports an optimistic-concurrency mismatch on a case.
func NewVersionConflict(caseID string, expected, current int64) error {
	return NewConflict("case was modified concurrently", map[string]any{
		"case_id":          caseID,
		"expected_version": expected,
		"current_version":  current,
	})
}

func NewInvariantViolation(message string, details map[string]any) error {
	return NewDomainError(CodeInvariantViolation, message, http.StatusUnprocessableEntity, details)
}

func NewExternalDependency(dependency string, err error) error {
	return &DomainError{
		Code:       CodeExternalDependency,
		Message:    fmt.Sprintf("%s unavailable", dependency),
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"dependency": dependency},
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}

// IsRetryable reports whether the caller may reload and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
