// Package errors provides structured error types for the task-ops engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for the engine.
const (
	// Lookup errors
	CodeProjectNotFound    Code = "PROJECT_NOT_FOUND"
	CodeTaskNotFound       Code = "TASK_NOT_FOUND"
	CodeTaskSourceNotFound Code = "TASK_SOURCE_NOT_FOUND"
	CodeSecretNotFound     Code = "SECRET_NOT_FOUND"
	CodeWorkerRepoNotFound Code = "WORKER_REPO_NOT_FOUND"

	// Validation errors
	CodeValidation       Code = "VALIDATION_FAILED"
	CodeEntityDisabled   Code = "ENTITY_DISABLED"
	CodeInvalidState     Code = "TASK_INVALID_STATE"
	CodeManualSource     Code = "MANUAL_SOURCE_NOT_SYNCABLE"
	CodeMissingProvider  Code = "PROVIDER_CONFIG_MISSING"
	CodeConflict         Code = "CONFLICT"

	// Quota errors
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"

	// External call errors
	CodeExternalTransient Code = "EXTERNAL_TRANSIENT"
	CodeExternalTerminal  Code = "EXTERNAL_TERMINAL"
)

// Category groups error codes for HTTP status mapping at the API layer
// and for retry decisions inside queue consumers.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryQuota
	CategoryTransient
	CategoryInternal
)

var codeCategories = map[Code]Category{
	CodeProjectNotFound:    CategoryNotFound,
	CodeTaskNotFound:       CategoryNotFound,
	CodeTaskSourceNotFound: CategoryNotFound,
	CodeSecretNotFound:     CategoryNotFound,
	CodeWorkerRepoNotFound: CategoryNotFound,
	CodeValidation:         CategoryBadRequest,
	CodeEntityDisabled:     CategoryBadRequest,
	CodeInvalidState:       CategoryBadRequest,
	CodeManualSource:       CategoryBadRequest,
	CodeMissingProvider:    CategoryBadRequest,
	CodeConflict:           CategoryConflict,
	CodeQuotaExceeded:      CategoryQuota,
	CodeExternalTransient:  CategoryTransient,
	CodeExternalTerminal:   CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryQuota:
		return 429
	case CategoryTransient:
		return 503
	default:
		return 500
	}
}

// Retryable reports whether a consumer should nack-and-retry an error of
// this category. Validation and not-found errors never retry.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryUnknown || c == CategoryInternal
}

// Error is the structured error type for the engine.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Cause error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category for status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, What: e.What, Why: e.Why, Cause: err}
}

// --- Error constructors ---

// ErrProjectNotFound returns an error for a missing project.
func ErrProjectNotFound(id string) *Error {
	return &Error{
		Code: CodeProjectNotFound,
		What: fmt.Sprintf("project %s not found", id),
	}
}

// ErrTaskNotFound returns an error for a missing task.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
	}
}

// ErrTaskSourceNotFound returns an error for a missing task source.
func ErrTaskSourceNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskSourceNotFound,
		What: fmt.Sprintf("task source %s not found", id),
	}
}

// ErrSecretNotFound returns an error for a missing secret.
func ErrSecretNotFound(id string) *Error {
	return &Error{
		Code: CodeSecretNotFound,
		What: fmt.Sprintf("secret %s not found", id),
	}
}

// ErrWorkerRepoNotFound returns an error when a project has no worker repository.
func ErrWorkerRepoNotFound(projectID string) *Error {
	return &Error{
		Code: CodeWorkerRepoNotFound,
		What: fmt.Sprintf("project %s has no worker repository", projectID),
		Why:  "remote pipelines require a provisioned worker repository",
	}
}

// ErrEntityDisabled returns an error when an operation targets a disabled entity.
func ErrEntityDisabled(kind, id string) *Error {
	return &Error{
		Code: CodeEntityDisabled,
		What: fmt.Sprintf("%s %s is disabled", kind, id),
	}
}

// ErrInvalidState returns an error when a task is in the wrong state for an operation.
func ErrInvalidState(taskID, current, expected string) *Error {
	return &Error{
		Code: CodeInvalidState,
		What: fmt.Sprintf("task %s is in state %q, expected %q", taskID, current, expected),
	}
}

// ErrManualSource returns an error when sync is requested for a manual source.
func ErrManualSource(id string) *Error {
	return &Error{
		Code: CodeManualSource,
		What: fmt.Sprintf("task source %s is manual", id),
		Why:  "manual sources have no remote tracker to sync from",
	}
}

// ErrMissingProviderConfig returns an error when no LLM credentials are available.
func ErrMissingProviderConfig(projectID string) *Error {
	return &Error{
		Code: CodeMissingProvider,
		What: fmt.Sprintf("project %s has no AI provider configuration", projectID),
		Why:  "configure project credentials or stay within the platform quota",
	}
}

// ErrValidation returns a generic validation error.
func ErrValidation(what string) *Error {
	return &Error{Code: CodeValidation, What: what}
}

// Wrap wraps a generic error into an Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{Code: Code("UNKNOWN"), What: what, Cause: err}
}

// AsEngineError attempts to convert an error to an *Error.
// Returns nil if the error is not one.
func AsEngineError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}
