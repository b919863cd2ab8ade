// Package errors provides a lightweight structured error type (CIError)
// for category-based classification and retry semantics in HTTP adapters and CLI.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of a CI error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"

	// External system integration errors
	CategoryNetwork ErrorCategory = "network"
	CategoryGit     ErrorCategory = "git"
	CategoryForge   ErrorCategory = "forge"

	// Build and processing errors
	CategoryPipeline   ErrorCategory = "pipeline"
	CategoryStore      ErrorCategory = "store"
	CategoryFileSystem ErrorCategory = "filesystem"

	// Runtime and infrastructure errors
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// CIError is a structured error with category, retryability, and context
type CIError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for CIError
type ContextFields map[string]any

// Error implements the error interface
func (e *CIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *CIError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *CIError) WithContext(key string, value any) *CIError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new CIError
func New(category ErrorCategory, severity ErrorSeverity, message string) *CIError {
	return &CIError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new CIError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *CIError {
	return &CIError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// Retryable creates a new retryable CIError
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *CIError {
	return &CIError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: true,
	}
}

// WrapRetryable creates a new retryable CIError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *CIError {
	return &CIError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if ce, ok := err.(*CIError); ok {
		return ce.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if ce, ok := err.(*CIError); ok {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not a CIError
func GetCategory(err error) ErrorCategory {
	if ce, ok := err.(*CIError); ok {
		return ce.Category
	}
	return CategoryInternal
}

// ValidationError creates a new validation error (400 Bad Request)
func ValidationError(message string) *CIError {
	return &CIError{
		Category:  CategoryValidation,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// AuthError creates a new authentication error (401 Unauthorized)
func AuthError(message string) *CIError {
	return &CIError{
		Category:  CategoryAuth,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// NotFoundError creates a new not-found error (404)
func NotFoundError(message string) *CIError {
	return &CIError{
		Category:  CategoryNotFound,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// ConflictError creates a new conflict error (409)
func ConflictError(message string) *CIError {
	return &CIError{
		Category:  CategoryConflict,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// DaemonError creates a new daemon error (service unavailable)
func DaemonError(message string) *CIError {
	return &CIError{
		Category:  CategoryDaemon,
		Severity:  SeverityError,
		Message:   message,
		Retryable: false,
	}
}

// StoreError wraps a persistence failure
func StoreError(operation string, cause error) *CIError {
	return Wrap(cause, CategoryStore, SeverityError, "store operation failed").
		WithContext("operation", operation)
}

// GitCloneError wraps a workspace clone failure
func GitCloneError(repo string, cause error) *CIError {
	return Wrap(cause, CategoryGit, SeverityError, "repository clone failed").
		WithContext("repository", repo)
}

// GitAuthError wraps a git authentication failure
func GitAuthError(repo string, cause error) *CIError {
	return Wrap(cause, CategoryAuth, SeverityError, "git authentication failed").
		WithContext("repository", repo)
}

// GitNetworkError wraps a transient git transport failure
func GitNetworkError(repo string, cause error) *CIError {
	return WrapRetryable(cause, CategoryGit, SeverityWarning, "git network error").
		WithContext("repository", repo)
}

// ForgeError wraps a forge API failure
func ForgeError(operation string, cause error) *CIError {
	return WrapRetryable(cause, CategoryForge, SeverityWarning, "forge request failed").
		WithContext("operation", operation)
}

// PipelineError wraps a step execution failure
func PipelineError(step string, cause error) *CIError {
	return Wrap(cause, CategoryPipeline, SeverityError, "pipeline step failed").
		WithContext("step", step)
}

// WorkspaceError wraps a filesystem failure in the build workspace
func WorkspaceError(operation string, cause error) *CIError {
	return Wrap(cause, CategoryFileSystem, SeverityError, "workspace operation failed").
		WithContext("operation", operation)
}

// WrapError wraps an existing error with a new CIError
func WrapError(err error, category ErrorCategory, message string) *CIError {
	return &CIError{
		Category:  category,
		Severity:  SeverityError,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}
