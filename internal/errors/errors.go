package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind represents the category of error
type Kind int

const (
	// Validation errors - invalid input data (bad file type, bad filter column, denylisted SQL)
	KindValidation Kind = iota
	// NotFound errors - missing dataset, ref, commit, artifact, or job
	KindNotFound
	// Concurrency errors - optimistic lock failures and recoverable insert races
	KindConcurrency
	// Storage errors - object store read/write failures
	KindStorage
	// Domain errors - business rule violations
	KindDomain
	// Internal errors - unexpected internal state
	KindInternal
)

// Severity represents how critical an error is
type Severity int

const (
	// SeverityLow - can continue with degraded functionality
	SeverityLow Severity = iota
	// SeverityMedium - should be addressed but not fatal
	SeverityMedium
	// SeverityHigh - significant issue, may impact functionality
	SeverityHigh
	// SeverityCritical - must be addressed, stops execution
	SeverityCritical
)

// Error represents a structured error with context
type Error struct {
	Kind       Kind
	Severity   Severity
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is checks if this error matches the target error kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// DetailedString returns a detailed error message with context
func (e *Error) DetailedString() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] [%s] %s\n",
		severityString(e.Severity),
		kindString(e.Kind),
		e.Message))

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("Caused by: %v\n", e.Cause))
	}

	if len(e.Context) > 0 {
		sb.WriteString("Context:\n")
		for k, v := range e.Context {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, v))
		}
	}

	if e.StackTrace != "" {
		sb.WriteString(fmt.Sprintf("Stack trace:\n%s\n", e.StackTrace))
	}

	return sb.String()
}

func kindString(k Kind) string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConcurrency:
		return "CONCURRENCY"
	case KindStorage:
		return "STORAGE"
	case KindDomain:
		return "DOMAIN"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

func severityString(s Severity) string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) string {
	var sb strings.Builder
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		sb.WriteString(fmt.Sprintf("  %s:%d %s\n", file, line, fn.Name()))
	}
	return sb.String()
}

// New creates a new error with the given kind, severity, and message
func New(kind Kind, severity Severity, message string) *Error {
	return &Error{
		Kind:       kind,
		Severity:   severity,
		Message:    message,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, kind Kind, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Kind:       kind,
		Severity:   severity,
		Message:    message,
		Cause:      err,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// Convenience constructors for the error kinds executors raise

// ValidationError creates a validation error
func ValidationError(message string) *Error {
	return New(KindValidation, SeverityHigh, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(format string, args ...interface{}) *Error {
	return New(KindValidation, SeverityHigh, fmt.Sprintf(format, args...))
}

// NotFoundError creates a not-found error
func NotFoundError(message string) *Error {
	return New(KindNotFound, SeverityHigh, message)
}

// NotFoundErrorf creates a not-found error with formatting
func NotFoundErrorf(format string, args ...interface{}) *Error {
	return New(KindNotFound, SeverityHigh, fmt.Sprintf(format, args...))
}

// ConcurrencyError creates a concurrency error
func ConcurrencyError(message string) *Error {
	return New(KindConcurrency, SeverityMedium, message)
}

// StorageError wraps an object store failure
func StorageError(err error, message string) *Error {
	return Wrap(err, KindStorage, SeverityCritical, message)
}

// StorageErrorf wraps an object store failure with formatting
func StorageErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, KindStorage, SeverityCritical, fmt.Sprintf(format, args...))
}

// DomainError creates a business-rule error
func DomainError(message string) *Error {
	return New(KindDomain, SeverityHigh, message)
}

// DomainErrorf creates a business-rule error with formatting
func DomainErrorf(format string, args ...interface{}) *Error {
	return New(KindDomain, SeverityHigh, fmt.Sprintf(format, args...))
}

// InternalError creates an internal error
func InternalError(message string) *Error {
	return New(KindInternal, SeverityCritical, message)
}

// InternalErrorf creates an internal error with formatting
func InternalErrorf(format string, args ...interface{}) *Error {
	return New(KindInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

// Well-known sentinel errors surfaced to callers verbatim.
var (
	// ErrConcurrentRefUpdate is raised when an optimistic ref update
	// matches zero rows; callers retry with a refreshed head.
	ErrConcurrentRefUpdate = ConcurrencyError("ref moved since expected head was read")

	// ErrInvalidFileType is raised for artifact types outside the accepted set.
	ErrInvalidFileType = ValidationError("invalid file type")

	// ErrInvalidStream is raised when an artifact stream is nil or unreadable.
	ErrInvalidStream = ValidationError("invalid stream")
)

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the kind of an error, KindInternal for foreign errors.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// GetSeverity returns the severity of an error
func GetSeverity(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityMedium
}
